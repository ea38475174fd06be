package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
)

const (
	jobColumns = `deploy_id, project_id, owner_id, template_id, site_name, fork_status, deploy_status, steps,
		deployment_url, pages_url, forked_repo_url, provider_project_id, build_id, deploy_error, fork_error, created_at, updated_at`
	jobInsert = `INSERT INTO deploy_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	jobSelect          = `SELECT ` + jobColumns + ` FROM deploy_jobs WHERE deploy_id = $1`
	jobSelectForUpdate = jobSelect + ` FOR UPDATE`
	jobSelectByOwner   = `SELECT ` + jobColumns + ` FROM deploy_jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	jobUpdate          = `UPDATE deploy_jobs SET
			fork_status = $2,
			deploy_status = $3,
			steps = $4,
			deployment_url = $5,
			pages_url = $6,
			forked_repo_url = $7,
			provider_project_id = $8,
			build_id = $9,
			deploy_error = $10,
			fork_error = $11,
			updated_at = $12
		WHERE deploy_id = $1`
)

// stepRecord is the JSONB shape of a pipeline step.
type stepRecord struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// CreateJob inserts a new deployment job.
func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return repository.ErrInvalidArgument
	}
	if err := domain.ValidateSteps(job.Steps); err != nil {
		return err
	}
	steps, err := encodeSteps(job.Steps)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, jobInsert,
		job.DeployID,
		job.ProjectID,
		job.OwnerID,
		job.TemplateID,
		job.SiteName,
		string(job.ForkStatus),
		string(job.DeployStatus),
		steps,
		job.DeploymentURL,
		job.PagesURL,
		job.ForkedRepoURL,
		job.ProviderProjectID,
		job.BuildID,
		job.DeployError,
		job.ForkError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return mapWriteError(err)
}

// GetJob fetches a job by deploy identifier.
func (r *Repository) GetJob(ctx context.Context, deployID string) (*domain.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, jobSelect, deployID))
}

// ApplyEvent locks the job row, computes the transition and writes every
// changed column in one statement inside the same transaction.
func (r *Repository) ApplyEvent(ctx context.Context, deployID string, ev domain.Event) (*domain.Job, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin job transition: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanJob(tx.QueryRow(ctx, jobSelectForUpdate, deployID))
	if err != nil {
		return nil, err
	}
	next, err := domain.Apply(*current, ev)
	if err != nil {
		return nil, err
	}
	steps, err := encodeSteps(next.Steps)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, jobUpdate,
		next.DeployID,
		string(next.ForkStatus),
		string(next.DeployStatus),
		steps,
		next.DeploymentURL,
		next.PagesURL,
		next.ForkedRepoURL,
		next.ProviderProjectID,
		next.BuildID,
		next.DeployError,
		next.ForkError,
		next.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job transition: %w", err)
	}
	return &next, nil
}

// ListJobsByOwner returns recent jobs for an owner.
func (r *Repository) ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, jobSelectByOwner, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                                     domain.Job
		forkStatus, deployStatus                string
		steps                                   []byte
		deploymentURL, pagesURL, forkedRepoURL  sql.NullString
		providerProjectID, buildID, deployError sql.NullString
		forkError                               sql.NullString
	)
	if err := row.Scan(
		&job.DeployID,
		&job.ProjectID,
		&job.OwnerID,
		&job.TemplateID,
		&job.SiteName,
		&forkStatus,
		&deployStatus,
		&steps,
		&deploymentURL,
		&pagesURL,
		&forkedRepoURL,
		&providerProjectID,
		&buildID,
		&deployError,
		&forkError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	decoded, err := decodeSteps(steps)
	if err != nil {
		return nil, err
	}
	job.ForkStatus = domain.ForkStatus(forkStatus)
	job.DeployStatus = domain.DeployStatus(deployStatus)
	job.Steps = decoded
	job.DeploymentURL = nullString(deploymentURL)
	job.PagesURL = nullString(pagesURL)
	job.ForkedRepoURL = nullString(forkedRepoURL)
	job.ProviderProjectID = nullString(providerProjectID)
	job.BuildID = nullString(buildID)
	job.DeployError = nullString(deployError)
	job.ForkError = nullString(forkError)
	return &job, nil
}

func encodeSteps(steps []domain.Step) ([]byte, error) {
	records := make([]stepRecord, 0, len(steps))
	for _, step := range steps {
		records = append(records, stepRecord{Name: step.Name, Label: step.Label, Status: string(step.Status)})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return data, nil
}

func decodeSteps(data []byte) ([]domain.Step, error) {
	var records []stepRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	steps := make([]domain.Step, 0, len(records))
	for _, rec := range records {
		steps = append(steps, domain.Step{Name: rec.Name, Label: rec.Label, Status: domain.StepStatus(rec.Status)})
	}
	return steps, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}
