package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
)

// fakeModelRepository is an in-memory stand-in for the SQLite repository.
type fakeModelRepository struct {
	models []database.Model
}

var _ database.ModelRepository = (*fakeModelRepository)(nil)

func (f *fakeModelRepository) CreateModel(name string, status database.ModelStatus, sizeBytes *int64, meta database.ModelMeta) (*database.Model, error) {
	m := database.Model{ID: name, Name: name, Status: status, Meta: meta, CreatedAt: time.Now()}
	f.models = append(f.models, m)
	return &m, nil
}

func (f *fakeModelRepository) GetModel(id string) (*database.Model, error) {
	return f.GetModelByName(id)
}

func (f *fakeModelRepository) GetModelByName(name string) (*database.Model, error) {
	for i := range f.models {
		if f.models[i].Name == name {
			copied := f.models[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeModelRepository) GetAllModels() ([]database.Model, error) {
	return append([]database.Model(nil), f.models...), nil
}

func (f *fakeModelRepository) GetModelsByStatus(status database.ModelStatus) ([]database.Model, error) {
	var out []database.Model
	for _, m := range f.models {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeModelRepository) GetModelCount() (int, error) { return len(f.models), nil }

func (f *fakeModelRepository) UpdateModelStatus(id string, status database.ModelStatus, downloadPath string) error {
	return f.SetModelStatusUnchecked(id, status)
}

func (f *fakeModelRepository) UpdateModelMeta(id string, mutate func(*database.ModelMeta)) error {
	for i := range f.models {
		if f.models[i].ID == id {
			mutate(&f.models[i].Meta)
		}
	}
	return nil
}

func (f *fakeModelRepository) SetModelStatusUnchecked(id string, status database.ModelStatus) error {
	for i := range f.models {
		if f.models[i].ID == id {
			f.models[i].Status = status
		}
	}
	return nil
}

func (f *fakeModelRepository) DeleteModel(id string) error {
	for i := range f.models {
		if f.models[i].ID == id {
			f.models = append(f.models[:i], f.models[i+1:]...)
			return nil
		}
	}
	return database.ErrModelNotFound
}

func (f *fakeModelRepository) RepairInterruptedModels() (int, error) { return 0, nil }

func newTestService(t *testing.T, desired []DesiredModel) (*Service, *fakeModelRepository, *ModelsFile) {
	t.Helper()
	file := NewModelsFile(filepath.Join(t.TempDir(), "models.yml"))
	if desired != nil {
		if err := file.Save(desired); err != nil {
			t.Fatalf("Failed to seed models file: %v", err)
		}
	}
	repo := &fakeModelRepository{}
	return NewService(repo, file), repo, file
}

func TestExternalToStoreCreatesMissingModels(t *testing.T) {
	service, repo, _ := newTestService(t, []DesiredModel{
		{Name: "org/new", Priority: "high"},
		{Name: "org/explicit", Status: "failed"},
	})

	result, err := service.SyncExternalToStore()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Added != 2 {
		t.Errorf("Expected 2 added, got %d", result.Added)
	}

	created, _ := repo.GetModelByName("org/new")
	if created == nil {
		t.Fatal("Expected model created")
	}
	if created.Status != database.ModelPending {
		t.Errorf("Expected missing status to default to pending, got %s", created.Status)
	}
	if created.Meta.Priority != "high" || created.Meta.Source != "models_file" {
		t.Errorf("Expected priority and source metadata, got %+v", created.Meta)
	}

	explicit, _ := repo.GetModelByName("org/explicit")
	if explicit.Status != database.ModelFailed {
		t.Errorf("Expected explicit status honored on creation, got %s", explicit.Status)
	}
}

func TestExternalToStoreStorePrecedence(t *testing.T) {
	service, repo, _ := newTestService(t, []DesiredModel{
		{Name: "org/done", Status: "pending"},
	})
	repo.CreateModel("org/done", database.ModelCompleted, nil, database.ModelMeta{})

	result, err := service.SyncExternalToStore()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Skipped != 1 || result.Updated != 0 {
		t.Errorf("Expected store status to win, got %+v", result)
	}

	model, _ := repo.GetModelByName("org/done")
	if model.Status != database.ModelCompleted {
		t.Errorf("Expected completed preserved, got %s", model.Status)
	}
}

func TestExternalToStoreForceReset(t *testing.T) {
	service, repo, _ := newTestService(t, []DesiredModel{
		{Name: "org/retry-me", ForceReset: true, Priority: "high"},
		{Name: "org/keep-done", ForceReset: true},
	})
	failedAt := time.Now().UTC()
	repo.CreateModel("org/retry-me", database.ModelFailed, nil,
		database.ModelMeta{RetryCount: 3, LastFailedAt: &failedAt})
	repo.CreateModel("org/keep-done", database.ModelCompleted, nil, database.ModelMeta{})

	result, err := service.SyncExternalToStore()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("Expected 1 reset, got %d", result.Updated)
	}

	reset, _ := repo.GetModelByName("org/retry-me")
	if reset.Status != database.ModelPending {
		t.Errorf("Expected failed model reset to pending, got %s", reset.Status)
	}
	if reset.Meta.RetryCount != 0 || reset.Meta.LastFailedAt != nil {
		t.Errorf("Expected retry metadata cleared, got %+v", reset.Meta)
	}
	if reset.Meta.Priority != "high" {
		t.Errorf("Expected priority refreshed, got %q", reset.Meta.Priority)
	}

	// force_reset never touches completed models.
	done, _ := repo.GetModelByName("org/keep-done")
	if done.Status != database.ModelCompleted {
		t.Errorf("Expected completed model immune to force_reset, got %s", done.Status)
	}
}

func TestStoreToExternalWritesOnlyOnChange(t *testing.T) {
	service, repo, file := newTestService(t, []DesiredModel{
		{Name: "org/stale", Status: "pending"},
		{Name: "org/current", Status: "completed"},
	})
	repo.CreateModel("org/stale", database.ModelCompleted, nil, database.ModelMeta{})
	repo.models[0].DownloadPath = "/data/stale.tar"
	repo.CreateModel("org/current", database.ModelCompleted, nil, database.ModelMeta{})

	result, err := service.SyncStoreToExternal()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Updated != 1 || result.Unchanged != 1 {
		t.Errorf("Expected 1 updated / 1 unchanged, got %+v", result)
	}

	desired, _ := file.Load()
	for _, d := range desired {
		if d.Name == "org/stale" {
			if d.Status != "completed" {
				t.Errorf("Expected external status overwritten, got %q", d.Status)
			}
			if d.DownloadPath != "/data/stale.tar" {
				t.Errorf("Expected download path backfilled, got %q", d.DownloadPath)
			}
		}
	}

	// A second pass with nothing changed must not rewrite the file.
	info, _ := os.Stat(file.Path())
	before := info.ModTime()
	time.Sleep(10 * time.Millisecond)
	if _, err := service.SyncStoreToExternal(); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	info, _ = os.Stat(file.Path())
	if !info.ModTime().Equal(before) {
		t.Error("Expected file untouched when no record changed")
	}
}

func TestDiffReportsDisagreements(t *testing.T) {
	service, repo, _ := newTestService(t, []DesiredModel{
		{Name: "org/same", Status: "completed"},
		{Name: "org/different", Status: "pending", Priority: "low"},
		{Name: "org/unknown"},
	})
	repo.CreateModel("org/same", database.ModelCompleted, nil, database.ModelMeta{})
	repo.CreateModel("org/different", database.ModelFailed, nil, database.ModelMeta{})

	diffs, err := service.Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("Expected 1 difference, got %d", len(diffs))
	}
	d := diffs[0]
	if d.Name != "org/different" || d.ExternalStatus != "pending" || d.StoreStatus != "failed" || d.Priority != "low" {
		t.Errorf("Unexpected difference %+v", d)
	}
}

func TestFullSyncConverges(t *testing.T) {
	service, repo, _ := newTestService(t, []DesiredModel{
		{Name: "org/known", Status: "pending"},
		{Name: "org/new"},
	})
	repo.CreateModel("org/known", database.ModelCompleted, nil, database.ModelMeta{})

	result, err := service.FullSync()
	if err != nil {
		t.Fatalf("Full sync failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Expected success, got %+v", result)
	}
	if result.StoreToExternal.Updated != 1 {
		t.Errorf("Expected 1 store-to-external update, got %d", result.StoreToExternal.Updated)
	}
	if result.ExternalToStore.Added != 1 {
		t.Errorf("Expected 1 created model, got %d", result.ExternalToStore.Added)
	}
	if result.RemainingDifferences != 0 {
		t.Errorf("Expected convergence, got %d remaining differences", result.RemainingDifferences)
	}
}

func TestUpdateModelStatusWriteThrough(t *testing.T) {
	service, _, file := newTestService(t, []DesiredModel{
		{Name: "org/tracked", Status: "pending"},
	})

	if err := service.UpdateModelStatus("org/tracked", "completed"); err != nil {
		t.Fatalf("Write-through failed: %v", err)
	}

	desired, _ := file.Load()
	if desired[0].Status != "completed" {
		t.Errorf("Expected status written through, got %q", desired[0].Status)
	}

	// Unknown models are skipped without error.
	if err := service.UpdateModelStatus("org/unknown", "failed"); err != nil {
		t.Errorf("Expected unknown model write-through to be a no-op, got %v", err)
	}
}

func TestModelsFileMissingIsEmpty(t *testing.T) {
	file := NewModelsFile(filepath.Join(t.TempDir(), "missing.yml"))
	desired, err := file.Load()
	if err != nil {
		t.Fatalf("Expected missing file to load as empty, got %v", err)
	}
	if desired != nil {
		t.Errorf("Expected nil list, got %v", desired)
	}
}

func TestModelsFileRoundTrip(t *testing.T) {
	file := NewModelsFile(filepath.Join(t.TempDir(), "nested", "models.yml"))
	off := false

	err := file.Save([]DesiredModel{
		{Name: "org/a", Status: "pending", Priority: "high"},
		{Name: "org/b", Enabled: &off, ForceReset: true},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := file.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 models, got %d", len(loaded))
	}
	if !loaded[0].IsEnabled() {
		t.Error("Expected missing enabled flag to mean enabled")
	}
	if loaded[1].IsEnabled() {
		t.Error("Expected explicit enabled false to stick")
	}
	if !loaded[1].ForceReset {
		t.Error("Expected force_reset round-trip")
	}

	raw, _ := os.ReadFile(file.Path())
	if !strings.Contains(string(raw), "last_updated") {
		t.Error("Expected metadata stamp in saved file")
	}
}
