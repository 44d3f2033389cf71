package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validTransitions is the model status state machine. Any edge not listed
// here is rejected with InvalidTransitionError. pending -> completed exists
// only for probe-confirmed pre-existing downloads.
var validTransitions = map[ModelStatus][]ModelStatus{
	ModelPending:     {ModelDownloading, ModelCompleted},
	ModelDownloading: {ModelCompleted, ModelFailed},
	ModelFailed:      {ModelPending},
	ModelCompleted:   {},
	ModelPaused:      {ModelDownloading, ModelPending},
}

func transitionAllowed(from, to ModelStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type SQLModelRepository struct {
	db *DB
}

var _ ModelRepository = (*SQLModelRepository)(nil)

func NewModelRepository(db *DB) *SQLModelRepository {
	return &SQLModelRepository{db: db}
}

func (r *SQLModelRepository) CreateModel(name string, status ModelStatus, sizeBytes *int64, meta ModelMeta) (*Model, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model metadata: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	_, err = r.db.Exec(`
		INSERT INTO models (id, name, status, size_bytes, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, name, string(status), sizeBytes, string(metaJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create model %s: %w", name, err)
	}

	return r.GetModel(id)
}

func (r *SQLModelRepository) GetModel(id string) (*Model, error) {
	return r.scanOne(`SELECT id, name, status, size_bytes, download_path, metadata, created_at, updated_at
		FROM models WHERE id = ?`, id)
}

func (r *SQLModelRepository) GetModelByName(name string) (*Model, error) {
	return r.scanOne(`SELECT id, name, status, size_bytes, download_path, metadata, created_at, updated_at
		FROM models WHERE name = ?`, name)
}

func (r *SQLModelRepository) scanOne(query string, arg any) (*Model, error) {
	row := r.db.QueryRow(query, arg)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return m, nil
}

func (r *SQLModelRepository) GetAllModels() ([]Model, error) {
	return r.queryModels(`SELECT id, name, status, size_bytes, download_path, metadata, created_at, updated_at
		FROM models ORDER BY created_at`)
}

// GetModelsByStatus returns models with the given status ordered by priority
// (high first), ties broken by creation time.
func (r *SQLModelRepository) GetModelsByStatus(status ModelStatus) ([]Model, error) {
	return r.queryModels(`SELECT id, name, status, size_bytes, download_path, metadata, created_at, updated_at
		FROM models WHERE status = ?
		ORDER BY CASE json_extract(metadata, '$.priority')
			WHEN 'high' THEN 1
			WHEN 'low' THEN 3
			ELSE 2
		END, created_at`, string(status))
}

func (r *SQLModelRepository) queryModels(query string, args ...any) ([]Model, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

func (r *SQLModelRepository) GetModelCount() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count models: %w", err)
	}
	return count, nil
}

// UpdateModelStatus moves a model along the status state machine. The
// transition is validated against the current stored status; an illegal edge
// fails with InvalidTransitionError and leaves the row untouched.
func (r *SQLModelRepository) UpdateModelStatus(id string, status ModelStatus, downloadPath string) error {
	model, err := r.GetModel(id)
	if err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("update status for %s: %w", id, ErrModelNotFound)
	}

	if !transitionAllowed(model.Status, status) {
		return &InvalidTransitionError{ModelID: id, From: model.Status, To: status}
	}

	query := `UPDATE models SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), time.Now().UTC(), id}
	if downloadPath != "" {
		query = `UPDATE models SET status = ?, download_path = ?, updated_at = ? WHERE id = ?`
		args = []any{string(status), downloadPath, time.Now().UTC(), id}
	}

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update model %s status: %w", id, err)
	}
	return nil
}

// UpdateModelMeta applies a metadata-only mutation. Metadata updates bypass
// transition validation and are allowed regardless of status.
func (r *SQLModelRepository) UpdateModelMeta(id string, mutate func(*ModelMeta)) error {
	model, err := r.GetModel(id)
	if err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("update metadata for %s: %w", id, ErrModelNotFound)
	}

	meta := model.Meta
	mutate(&meta)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal model metadata: %w", err)
	}

	_, err = r.db.Exec(`UPDATE models SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(metaJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update model %s metadata: %w", id, err)
	}
	return nil
}

// SetModelStatusUnchecked writes a status without transition validation.
// Reserved for reconciliation, which may legitimately reset rows based on the
// external desired list.
func (r *SQLModelRepository) SetModelStatusUnchecked(id string, status ModelStatus) error {
	res, err := r.db.Exec(`UPDATE models SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set model %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status for %s: %w", id, ErrModelNotFound)
	}
	return nil
}

// DeleteModel removes a model and its session history in one transaction.
func (r *SQLModelRepository) DeleteModel(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM download_sessions WHERE model_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sessions for model %s: %w", id, err)
	}

	res, err := tx.Exec(`DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete model %s: %w", id, ErrModelNotFound)
	}

	return tx.Commit()
}

// RepairInterruptedModels resets models stuck in downloading with no live
// worker back to pending. Called once at startup before the engine runs, so
// every downloading row is a crash artifact.
func (r *SQLModelRepository) RepairInterruptedModels() (int, error) {
	res, err := r.db.Exec(`UPDATE models SET status = ?, updated_at = ? WHERE status = ?`,
		string(ModelPending), time.Now().UTC(), string(ModelDownloading))
	if err != nil {
		return 0, fmt.Errorf("failed to repair interrupted models: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*Model, error) {
	var m Model
	var status, metaJSON string
	var sizeBytes sql.NullInt64

	err := row.Scan(&m.ID, &m.Name, &status, &sizeBytes, &m.DownloadPath, &metaJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = ModelStatus(status)
	if sizeBytes.Valid {
		m.SizeBytes = &sizeBytes.Int64
	}
	if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model metadata: %w", err)
	}
	return &m, nil
}
