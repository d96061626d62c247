package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

const (
	templatesDir = "templates"
	dataDir      = "data"

	imageTimeLayout = "20060102_150405"
)

// Store is the filesystem ArtifactStore.
//
//	<state_dir>/templates/<template>.json   latest pointer
//	<state_dir>/data/<YYYY-MM-DD>.json      every artifact of that day, by template
//	<static_dir>/<template>_<YYYYMMDD_HHMMSS>.jpg
//
// Every state file is replaced with an atomic rename, so readers never see a
// partial record. The per-day file is shared by all templates; writes to it are
// serialised in-process.
type Store struct {
	stateDir  string
	staticDir string
	logger    arbor.ILogger

	mu sync.Mutex
}

var _ interfaces.ArtifactStore = (*Store)(nil)

// NewStore creates the directory layout if missing
func NewStore(stateDir, staticDir string, logger arbor.ILogger) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(stateDir, templatesDir),
		filepath.Join(stateDir, dataDir),
		staticDir,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &models.StorageError{Op: "write", Path: dir, Err: err}
		}
	}
	return &Store{
		stateDir:  stateDir,
		staticDir: staticDir,
		logger:    logger,
	}, nil
}

// SaveImage writes the image under a name derived from template and generation time
func (s *Store) SaveImage(ctx context.Context, template string, generatedAt time.Time, data []byte) (string, error) {
	base := fmt.Sprintf("%s_%s", template, generatedAt.Format(imageTimeLayout))
	name := base + ".jpg"
	// Two generations inside the same second must not share a file
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(s.staticDir, name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%d.jpg", base, i)
	}

	path := filepath.Join(s.staticDir, name)
	if err := common.WriteFileAtomic(path, data, 0644); err != nil {
		return "", &models.StorageError{Op: "write", Path: path, Err: err}
	}
	return name, nil
}

// Put records the artifact in its day file and then moves the latest pointer.
// The pointer always follows the most recent Put, even when it backfills an
// earlier date. Callers must hold the template's generation lease.
func (s *Store) Put(ctx context.Context, artifact *models.Artifact) error {
	if artifact == nil || artifact.Template == "" || artifact.Date == "" || artifact.FilePath == "" {
		return fmt.Errorf("artifact requires template, date and file path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadDay(artifact.Date)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if record == nil {
		record = &models.DayRecord{Date: artifact.Date, Artifacts: make(map[string]*models.Artifact)}
	}
	record.Artifacts[artifact.Template] = artifact.Clone()

	dayPath := s.dayPath(artifact.Date)
	if err := common.WriteJSONAtomic(dayPath, record); err != nil {
		return &models.StorageError{Op: "write", Path: dayPath, Err: err}
	}

	pointerPath := s.pointerPath(artifact.Template)
	if err := common.WriteJSONAtomic(pointerPath, artifact); err != nil {
		return &models.StorageError{Op: "write", Path: pointerPath, Err: err}
	}

	s.logger.Debug().
		Str("template", artifact.Template).
		Str("date", artifact.Date).
		Str("file", artifact.FilePath).
		Msg("Artifact stored")
	return nil
}

// Latest returns the template's latest pointer target
func (s *Store) Latest(ctx context.Context, template string) (*models.Artifact, error) {
	var artifact models.Artifact
	path := s.pointerPath(template)
	if err := common.ReadJSON(path, &artifact); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.ErrNotFound
		}
		return nil, &models.StorageError{Op: "read", Path: path, Err: err}
	}
	return &artifact, nil
}

// Get returns the artifact recorded for (template, date)
func (s *Store) Get(ctx context.Context, template string, date string) (*models.Artifact, error) {
	record, err := s.loadDay(date)
	if err != nil {
		return nil, err
	}
	artifact, ok := record.Artifacts[template]
	if !ok {
		return nil, models.ErrNotFound
	}
	return artifact, nil
}

// ListOlderThan returns artifacts of every day before cutoff, oldest first
func (s *Store) ListOlderThan(ctx context.Context, cutoff string) ([]*models.Artifact, error) {
	days, err := s.ListDays(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.Artifact
	for _, day := range days {
		if day >= cutoff {
			break
		}
		record, err := s.loadDay(day)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		names := make([]string, 0, len(record.Artifacts))
		for name := range record.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, record.Artifacts[name])
		}
	}
	return out, nil
}

// ListDays returns every day with a data file, oldest first
func (s *Store) ListDays(ctx context.Context) ([]string, error) {
	dir := filepath.Join(s.stateDir, dataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &models.StorageError{Op: "read", Path: dir, Err: err}
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(common.DateLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Delete removes the (template, date) record plus every image of that template
// generated on that day, except the image the latest pointer references.
// Deleting something absent is not an error.
func (s *Store) Delete(ctx context.Context, template string, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed int64

	files := make(map[string]bool)
	pattern := filepath.Join(s.staticDir, fmt.Sprintf("%s_%s_*.jpg", template, strings.ReplaceAll(date, "-", "")))
	if matches, err := filepath.Glob(pattern); err == nil {
		for _, m := range matches {
			files[m] = true
		}
	}

	record, err := s.loadDay(date)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}
	if record != nil {
		if artifact, ok := record.Artifacts[template]; ok {
			files[s.ImagePath(artifact)] = true
		}
	}

	// The glob matches by generation day, which can differ from the record's
	// date, so it may catch the image the latest pointer still serves
	if latest, err := s.Latest(ctx, template); err == nil {
		delete(files, s.ImagePath(latest))
	}

	for path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return freed, &models.StorageError{Op: "write", Path: path, Err: err}
		}
		freed += info.Size()
	}

	if record == nil {
		return freed, nil
	}
	if _, ok := record.Artifacts[template]; !ok {
		return freed, nil
	}
	delete(record.Artifacts, template)

	dayPath := s.dayPath(date)
	if len(record.Artifacts) == 0 {
		if info, err := os.Stat(dayPath); err == nil {
			freed += info.Size()
		}
		if err := os.Remove(dayPath); err != nil && !os.IsNotExist(err) {
			return freed, &models.StorageError{Op: "write", Path: dayPath, Err: err}
		}
		return freed, nil
	}
	if err := common.WriteJSONAtomic(dayPath, record); err != nil {
		return freed, &models.StorageError{Op: "write", Path: dayPath, Err: err}
	}
	return freed, nil
}

// Templates returns the names of templates that have a latest pointer
func (s *Store) Templates(ctx context.Context) ([]string, error) {
	dir := filepath.Join(s.stateDir, templatesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &models.StorageError{Op: "read", Path: dir, Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// ImagePath resolves an artifact's image on disk
func (s *Store) ImagePath(artifact *models.Artifact) string {
	return filepath.Join(s.staticDir, filepath.Base(artifact.FilePath))
}

func (s *Store) loadDay(date string) (*models.DayRecord, error) {
	var record models.DayRecord
	path := s.dayPath(date)
	if err := common.ReadJSON(path, &record); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.ErrNotFound
		}
		return nil, &models.StorageError{Op: "read", Path: path, Err: err}
	}
	if record.Artifacts == nil {
		record.Artifacts = make(map[string]*models.Artifact)
	}
	return &record, nil
}

func (s *Store) dayPath(date string) string {
	return filepath.Join(s.stateDir, dataDir, date+".json")
}

func (s *Store) pointerPath(template string) string {
	return filepath.Join(s.stateDir, templatesDir, template+".json")
}
