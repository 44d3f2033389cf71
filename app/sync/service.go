// Package sync reconciles model status between the durable store and the
// external desired-model list. Store status takes precedence except for
// explicit force resets.
package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
)

type Service struct {
	models database.ModelRepository
	file   *ModelsFile
}

func NewService(models database.ModelRepository, file *ModelsFile) *Service {
	return &Service{models: models, file: file}
}

// ExternalToStoreResult summarizes one external-to-store pass.
type ExternalToStoreResult struct {
	TotalModels int      `json:"total_models"`
	Added       int      `json:"added"`
	Updated     int      `json:"updated"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncExternalToStore creates store rows for desired models the store does
// not know, and applies force resets. For everything else the store status
// wins: completed and downloading rows are never downgraded from external
// data.
func (s *Service) SyncExternalToStore() (*ExternalToStoreResult, error) {
	desired, err := s.file.Load()
	if err != nil {
		return nil, err
	}

	result := &ExternalToStoreResult{TotalModels: len(desired)}

	for _, d := range desired {
		if d.Name == "" {
			result.Errors = append(result.Errors, "model missing name field")
			continue
		}

		model, err := s.models.GetModelByName(d.Name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("lookup %s: %v", d.Name, err))
			continue
		}

		if model == nil {
			status := database.ModelStatus(d.Status)
			if d.Status == "" {
				status = database.ModelPending
			}
			meta := database.ModelMeta{Source: "models_file", Priority: d.Priority}
			if _, err := s.models.CreateModel(d.Name, status, nil, meta); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("create %s: %v", d.Name, err))
				continue
			}
			result.Added++
			slog.Info("Created model from desired list", "model", d.Name, "status", status)
			continue
		}

		switch {
		case d.ForceReset && (model.Status == database.ModelPending || model.Status == database.ModelFailed):
			// Explicit reset requested; refresh metadata and requeue.
			if err := s.models.SetModelStatusUnchecked(model.ID, database.ModelPending); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reset %s: %v", d.Name, err))
				continue
			}
			err := s.models.UpdateModelMeta(model.ID, func(meta *database.ModelMeta) {
				meta.Source = "models_file"
				if d.Priority != "" {
					meta.Priority = d.Priority
				}
				meta.RetryCount = 0
				meta.LastFailedAt = nil
			})
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reset metadata %s: %v", d.Name, err))
				continue
			}
			result.Updated++
			slog.Info("Force reset model to pending", "model", d.Name, "previous_status", model.Status)
		default:
			result.Skipped++
			slog.Debug("Store status takes precedence", "model", d.Name, "store_status", model.Status, "external_status", d.Status)
		}
	}

	slog.Info("External-to-store sync completed",
		"added", result.Added, "updated", result.Updated, "skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// StoreToExternalResult summarizes one store-to-external pass.
type StoreToExternalResult struct {
	TotalModels int      `json:"total_models"`
	Updated     int      `json:"updated"`
	Unchanged   int      `json:"unchanged"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncStoreToExternal overwrites each external record's status with the
// store's status, leaving every other external field untouched. The file is
// rewritten only when at least one record changed.
func (s *Service) SyncStoreToExternal() (*StoreToExternalResult, error) {
	desired, err := s.file.Load()
	if err != nil {
		return nil, err
	}

	stored, err := s.models.GetAllModels()
	if err != nil {
		return nil, err
	}

	type storeInfo struct {
		status       database.ModelStatus
		downloadPath string
	}
	byName := make(map[string]storeInfo, len(stored))
	for _, m := range stored {
		byName[m.Name] = storeInfo{status: m.Status, downloadPath: m.DownloadPath}
	}

	result := &StoreToExternalResult{TotalModels: len(desired)}

	for i := range desired {
		info, ok := byName[desired[i].Name]
		if !ok {
			result.Unchanged++
			continue
		}

		externalStatus := desired[i].Status
		if externalStatus == "" {
			externalStatus = string(database.ModelPending)
		}

		if string(info.status) != externalStatus {
			slog.Debug("Updating external status", "model", desired[i].Name,
				"old_status", externalStatus, "new_status", info.status)
			desired[i].Status = string(info.status)
			if info.downloadPath != "" && desired[i].DownloadPath == "" {
				desired[i].DownloadPath = info.downloadPath
			}
			result.Updated++
		} else {
			result.Unchanged++
		}
	}

	if result.Updated > 0 {
		if err := s.file.Save(desired); err != nil {
			return nil, err
		}
		slog.Info("Store-to-external sync completed", "updated", result.Updated)
	}

	return result, nil
}

// Difference is one model whose external and store statuses disagree.
type Difference struct {
	Name           string `json:"name"`
	ExternalStatus string `json:"external_status"`
	StoreStatus    string `json:"store_status"`
	Priority       string `json:"priority"`
}

// Diff is the read-only comparison used for reporting and as a dry run
// before either sync direction. Nothing is mutated.
func (s *Service) Diff() ([]Difference, error) {
	desired, err := s.file.Load()
	if err != nil {
		return nil, err
	}

	var diffs []Difference
	for _, d := range desired {
		if d.Name == "" {
			continue
		}
		model, err := s.models.GetModelByName(d.Name)
		if err != nil {
			return nil, err
		}
		if model == nil {
			continue
		}

		externalStatus := d.Status
		if externalStatus == "" {
			externalStatus = string(database.ModelPending)
		}
		if string(model.Status) != externalStatus {
			diffs = append(diffs, Difference{
				Name:           d.Name,
				ExternalStatus: externalStatus,
				StoreStatus:    string(model.Status),
				Priority:       d.Priority,
			})
		}
	}
	return diffs, nil
}

// FullSyncResult aggregates both directions of a full reconciliation.
type FullSyncResult struct {
	Timestamp            string                 `json:"timestamp"`
	StoreToExternal      *StoreToExternalResult `json:"store_to_external"`
	ExternalToStore      *ExternalToStoreResult `json:"external_to_store"`
	RemainingDifferences int                    `json:"remaining_differences"`
	Success              bool                   `json:"success"`
}

// FullSync runs store-to-external first so the file reflects reality, then
// external-to-store so new and force-reset models land in the store.
func (s *Service) FullSync() (*FullSyncResult, error) {
	storeToExternal, err := s.SyncStoreToExternal()
	if err != nil {
		return nil, err
	}

	externalToStore, err := s.SyncExternalToStore()
	if err != nil {
		return nil, err
	}

	diffs, err := s.Diff()
	if err != nil {
		return nil, err
	}

	result := &FullSyncResult{
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		StoreToExternal:      storeToExternal,
		ExternalToStore:      externalToStore,
		RemainingDifferences: len(diffs),
		Success:              len(storeToExternal.Errors) == 0 && len(externalToStore.Errors) == 0,
	}
	return result, nil
}

// UpdateModelStatus writes a single model's status through to the external
// list, used by the engine on terminal download events so the file tracks
// progress without a full sync pass.
func (s *Service) UpdateModelStatus(name, status string) error {
	desired, err := s.file.Load()
	if err != nil {
		return err
	}

	for i := range desired {
		if desired[i].Name == name {
			if desired[i].Status == status {
				return nil
			}
			desired[i].Status = status
			return s.file.Save(desired)
		}
	}

	slog.Warn("Model not present in desired list, skipping status write-through", "model", name)
	return nil
}

// DesiredModels exposes the current external list for selection filtering.
func (s *Service) DesiredModels() ([]DesiredModel, error) {
	return s.file.Load()
}
