package snapshot

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/expkit/experimenter/experiment"
)

const (
	defaultsFile = "defaults.csv"
	csvDelimiter = ';'
)

var csvHeader = []string{"Param", "Value", "Comment"}

// DirStore persists experiments in a directory of CSV files, one file per
// experiment plus a defaults.csv holding the parameter template. Each file is
// ';'-delimited with a Param;Value;Comment header row.
//
// The layout carries parameter values and comments only. Statuses, results,
// bounds and declared kinds do not survive the round trip; kinds are inferred
// from the value text when loading.
type DirStore struct {
	dir string
}

// NewDirStore creates a store rooted at dir. The directory is created on the
// first save.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// SaveAll writes the defaults template and one CSV file per experiment,
// replacing any files already present for the same names.
func (s *DirStore) SaveAll(set experiment.Set, defaults experiment.Parameters) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experiments directory: %w", err)
	}

	if defaults.Len() > 0 {
		if err := s.saveFile(defaultsFile, defaults); err != nil {
			return err
		}
	}
	for _, e := range set.Experiments {
		if err := s.saveFile(e.ID+".csv", e.Parameters); err != nil {
			return err
		}
	}

	return nil
}

// SaveExperiment writes a single experiment's CSV file.
func (s *DirStore) SaveExperiment(e experiment.Experiment) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experiments directory: %w", err)
	}

	return s.saveFile(e.ID+".csv", e.Parameters)
}

// LoadAll reads every CSV file in the directory and rebuilds an experiment
// set at revision zero, all experiments pending. The defaults template is
// returned alongside; comments missing from an experiment row are inherited
// from the template, mirroring how the defaults tab annotates the others.
func (s *DirStore) LoadAll() (experiment.Set, experiment.Parameters, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to read experiments directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		names = append(names, entry.Name())
	}
	// defaults.csv sorts first so the template is available to the rest.
	sort.Slice(names, func(i, j int) bool {
		return sortKey(names[i]) < sortKey(names[j])
	})

	set := experiment.NewSet()
	defaults := experiment.NewParameters()
	for _, name := range names {
		params, err := s.loadFile(name, defaults)
		if err != nil {
			return experiment.Set{}, experiment.Parameters{}, err
		}
		if name == defaultsFile {
			defaults = params

			continue
		}
		set.Experiments = append(set.Experiments, experiment.Experiment{
			ID:         strings.TrimSuffix(name, ".csv"),
			Parameters: params,
			Status:     experiment.StatusPending,
		})
	}

	return set, defaults, nil
}

func sortKey(name string) string {
	if name == defaultsFile {
		return ""
	}

	return name
}

func (s *DirStore) saveFile(name string, params experiment.Parameters) error {
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	w := csv.NewWriter(f)
	w.Comma = csvDelimiter
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	for _, pname := range params.Names() {
		p, _ := params.Get(pname)
		if err := w.Write([]string{pname, formatValue(p.Value), p.Comment}); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	w.Flush()

	return w.Error()
}

func (s *DirStore) loadFile(name string, defaults experiment.Parameters) (experiment.Parameters, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return experiment.Parameters{}, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.Comma = csvDelimiter
	r.FieldsPerRecord = len(csvHeader)
	records, err := r.ReadAll()
	if err != nil {
		return experiment.Parameters{}, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if len(records) == 0 {
		return experiment.NewParameters(), nil
	}

	params := experiment.NewParameters()
	for _, row := range records[1:] {
		pname, raw, comment := row[0], row[1], row[2]
		kind, value := inferValue(raw)
		if comment == "" {
			if d, ok := defaults.Get(pname); ok {
				comment = d.Comment
			}
		}
		params.Set(pname, experiment.Parameter{Kind: kind, Value: value, Comment: comment})
	}

	return params, nil
}

// formatValue renders a parameter value the way the files have always stored
// it: the plain text form, no quoting.
func formatValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// inferValue recovers the most specific kind the text form allows.
func inferValue(raw string) (experiment.ParameterKind, any) {
	switch raw {
	case "true":
		return experiment.KindBool, true
	case "false":
		return experiment.KindBool, false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return experiment.KindNumber, n
	}

	return experiment.KindString, raw
}
