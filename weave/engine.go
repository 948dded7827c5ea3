package weave

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"
)

const maxDiffLogLines = 120

// Config holds settings for a WeaveEngine.
type Config struct {
	ModulePath, OutputPath           string
	Enabled, ProfileAllMethods       bool
	SourceExt                        string
	Parallel, Diff, DryRun, Backup   bool
	ReportJsonFile, ReportChartsFile string
	SnapshotDir                      string
	CacheMB                          int
	// Computed fields
	AbsModulePath, AbsOutputPath string
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Internal state tracking
	prepared bool
}

// Options returns the method selection options of the config.
func (c *Config) Options() Options {
	return Options{Enabled: c.Enabled, ProfileAllMethods: c.ProfileAllMethods, SourceExt: c.SourceExt}
}

// Prepare validates the config and resolves paths. It must be called once before use.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if c.ModulePath == "" {
		return errors.New("module path is required")
	}

	absModulePath, err := filepath.Abs(c.ModulePath)
	if err != nil {
		return fmt.Errorf("error resolving module path: %w", err)
	} else if err = validateFilePath(absModulePath); err != nil {
		return fmt.Errorf("invalid module file: %w", err)
	}
	c.AbsModulePath = absModulePath
	if c.OutputPath == "" {
		c.AbsOutputPath = absModulePath
	} else if c.AbsOutputPath, err = filepath.Abs(c.OutputPath); err != nil {
		return fmt.Errorf("error resolving output path: %w", err)
	}

	if c.SourceExt == "" {
		c.SourceExt = DefaultSourceExt
	} else if strings.ContainsAny(c.SourceExt, `/\`) {
		return fmt.Errorf("invalid source extension '%s'", c.SourceExt)
	}
	if c.CacheMB < 1 || c.CacheMB > 10240 {
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}

	if !c.DryRun {
		if err := validateOutputPath(c.AbsOutputPath); err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
	}
	if c.ReportJsonFile != "" {
		if err := validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		if _, err := chartOutputType(c.ReportChartsFile); err != nil {
			return err
		} else if err := validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

func validateFilePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist or is not accessible: %w", err)
	} else if info.IsDir() {
		return errors.New("path is a directory, expected a module file")
	}
	return nil
}

func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return fmt.Errorf("output directory does not exist: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("output parent is not a directory: %s", dir)
	}
	return nil
}

// StorageProvider creates the store holding method snapshots during a run.
type StorageProvider interface {
	NewStorage() (Storage, error)
}

// DefaultStorageProvider keeps snapshots in memory, or in a Badger database when Path is set.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.Path == "" {
		return NewMemStorage(), nil
	}
	return NewBadgerStorage(filepath.Join(d.Path,
		fmt.Sprintf("zoneweave_snap-%d-%s", os.Getpid(), strconv.FormatInt(time.Now().UnixNano(), 16))), d.CacheMB)
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// ReportWriter writes the result of a run.
type ReportWriter interface {
	WriteReportFiles(reportJsonFile, reportChartsFile string, report ReportMetrics) error
}

// DefaultReportWriter writes the JSON report and the chart image when their paths are set.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(jsonPath, chartPath string, report ReportMetrics) error {
	if err := report.WriteToFile(jsonPath); err != nil {
		return err
	} else if chartPath != "" {
		return WriteReportCharts(chartPath, report)
	}
	return nil
}

// MethodResult is the outcome of one method selection.
type MethodResult struct {
	Name   string
	Action Action
	Result string
	Digest string
	Diff   string
	Err    error
}

// RunResult summarizes a weave of one module.
type RunResult struct {
	ModuleName     string
	Methods        []MethodResult
	CodeSizeBefore int
	CodeSizeAfter  int
}

// Failed returns the results of methods that were rolled back.
func (r *RunResult) Failed() []MethodResult {
	var failed []MethodResult
	for _, m := range r.Methods {
		if m.Err != nil {
			failed = append(failed, m)
		}
	}
	return failed
}

// WeaveEngine loads a module, weaves every selected method and writes the result.
type WeaveEngine struct {
	Config          *Config
	Probes          *ProbeRefs
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
}

// NewWeaveEngine creates an engine with the default providers and the TracyNET probe references.
func NewWeaveEngine(config *Config) *WeaveEngine {
	return &WeaveEngine{
		Config: config,
		Probes: DefaultProbeRefs(),
		StorageProvider: &DefaultStorageProvider{
			Path:    config.SnapshotDir,
			CacheMB: config.CacheMB,
		},
		ReportWriter: &DefaultReportWriter{},
	}
}

// Run executes the weave workflow for the configured module file.
func (e *WeaveEngine) Run() (*RunResult, error) {
	startTime := time.Now()
	if err := e.Config.Prepare(); err != nil {
		return nil, err
	}

	mod, err := ReadModuleFile(e.Config.AbsModulePath)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded module %s (format %s, %d types)", mod.Name, mod.FormatVersion, len(mod.Types))

	result, err := e.WeaveModule(mod)
	if err != nil {
		return nil, err
	}

	if e.Config.DryRun {
		log.Printf("Dry run, %s not written", e.Config.AbsOutputPath)
	} else {
		if e.Config.Backup && e.Config.AbsOutputPath == e.Config.AbsModulePath {
			if err := CopyFile(e.Config.AbsModulePath, e.Config.AbsModulePath+".orig"); err != nil {
				return nil, fmt.Errorf("backup module failed: %w", err)
			}
		}
		if err := WriteModuleFile(e.Config.AbsOutputPath, mod); err != nil {
			return nil, fmt.Errorf("write module failed: %w", err)
		}
		log.Printf("Wrote %s", e.Config.AbsOutputPath)
	}

	if e.Config.ReportJsonFile != "" || e.Config.ReportChartsFile != "" {
		report := BuildReport(startTime, e.Config, result)
		if err := e.ReportWriter.WriteReportFiles(e.Config.ReportJsonFile, e.Config.ReportChartsFile, report); err != nil {
			return result, err
		}
	}
	return result, nil
}

// WeaveModule applies the configured transforms to an in-memory module. Per-method failures are rolled
// back and reported in the result, module level failures are returned as errors.
func (e *WeaveEngine) WeaveModule(mod *Module) (*RunResult, error) {
	opts := e.Config.Options()
	selections := SelectMethods(mod, opts, e.Probes)

	var needsLibrary bool
	for _, sel := range selections {
		if sel.Action == ActionInject {
			needsLibrary = true
			break
		}
	}
	probes, err := ResolveProbeRefs(mod, e.Probes, needsLibrary)
	if err != nil {
		return nil, err
	}

	store, err := e.StorageProvider.NewStorage()
	if err != nil {
		return nil, fmt.Errorf("snapshot storage failed: %w", err)
	}
	defer store.Close()

	result := &RunResult{ModuleName: mod.Name, Methods: make([]MethodResult, len(selections))}
	for _, sel := range selections {
		if sel.Method.Body != nil {
			result.CodeSizeBefore += sel.Method.Body.CodeSize()
		}
	}
	// the member table is fixed for the duration of the transforms
	members := mod.memberIndexes()
	if e.Config.Parallel {
		eg := ErrGroupLimitCPU()
		for i, sel := range selections {
			i, sel := i, sel
			eg.Go(func() error {
				result.Methods[i] = e.processMethod(i, sel, probes, store, members)
				return nil
			})
		}
		_ = eg.Wait()
	} else {
		for i, sel := range selections {
			result.Methods[i] = e.processMethod(i, sel, probes, store, members)
		}
	}

	for _, r := range result.Methods {
		switch {
		case r.Err != nil:
			log.Printf("%sfailed patching %s: %v", ErrorLogPrefix, r.Name, r.Err)
		case r.Result == ResultInstrumented:
			log.Printf("Instrumented %s", r.Name)
		case r.Result == ResultStripped:
			log.Printf("Stripped %s", r.Name)
		}
		if r.Diff != "" {
			log.Printf("%s\n%s", r.Name, limitStringLines(r.Diff, maxDiffLogLines, true))
		}
	}

	if removed := mod.PruneMemberRefs(); removed > 0 {
		log.Printf("Pruned %d unused member references", removed)
	}
	if !opts.Enabled && !referencesLibrary(mod, probes) {
		mod.References = bulk.SliceFilter(func(ref string) bool {
			return ref != probes.Library
		}, mod.References)
	}
	for _, m := range mod.Methods() {
		if m.Body != nil {
			result.CodeSizeAfter += m.Body.CodeSize()
		}
	}
	return result, nil
}

// processMethod runs the selected transform on a snapshot protected body. Panics and invalid results
// restore the snapshot.
func (e *WeaveEngine) processMethod(index int, sel Selection, probes *ProbeRefs, store Storage,
	members map[*MemberRef]int) (res MethodResult) {
	m := sel.Method
	res = MethodResult{Name: m.FullName(), Action: sel.Action}
	if sel.Action == ActionSkip {
		res.Result = ResultSkipped
		return res
	}

	key := snapshotKey(index, m)
	if err := saveSnapshot(store, key, m.Body, members); err != nil {
		res.Result = ResultFailed
		res.Err = fmt.Errorf("snapshot failed: %w", err)
		return res
	}
	defer func() {
		_ = store.DeleteState(key)
	}()
	var before string
	if e.Config.Diff {
		before = DisassemblyText(m)
	}

	changed, err := transformMethod(sel, probes)
	if err == nil && changed {
		err = m.Body.Validate()
	}
	if err != nil {
		res.Result = ResultFailed
		res.Err = err
		if restored, rerr := loadSnapshot(store, key, members); rerr != nil {
			res.Err = errors.Join(err, fmt.Errorf("restore failed: %w", rerr))
		} else {
			m.Body = restored
		}
		return res
	}

	if !changed {
		res.Result = ResultUnchanged
		return res
	}
	if sel.Action == ActionInject {
		res.Result = ResultInstrumented
	} else {
		res.Result = ResultStripped
	}
	if digest, err := methodDigest(m.Body, members); err == nil {
		res.Digest = digest
	}
	if e.Config.Diff {
		res.Diff, _ = DiffDisassembly(res.Name, before, DisassemblyText(m))
	}
	return res
}

// transformMethod applies a selection, converting panics into errors.
func transformMethod(sel Selection, probes *ProbeRefs) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", sel.Action, r)
		}
	}()

	switch sel.Action {
	case ActionInject:
		if err := InjectZone(sel.Method, sel.Descriptor, probes); err != nil {
			return false, err
		}
		return true, nil
	case ActionStrip:
		changed, err := StripZones(sel.Method, probes)
		if err != nil || !changed {
			return changed, err
		}
		CompactLocals(sel.Method.Body)
		return true, nil
	}
	return false, nil
}

func saveSnapshot(store Storage, key string, body *MethodBody, members map[*MemberRef]int) error {
	eb, err := encodeBody(body, members)
	if err != nil {
		return err
	}
	data, err := marshalMsgpack(eb)
	if err != nil {
		return err
	}
	return store.SaveState(key, SnappyCompress(nil, data))
}

func loadSnapshot(store Storage, key string, members map[*MemberRef]int) (*MethodBody, error) {
	blob, ok, err := store.LoadState(key)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("snapshot %s missing", key)
	}
	data, err := SnappyDecompress(nil, blob)
	if err != nil {
		return nil, err
	}
	var eb encBody
	if err := msgpack.Unmarshal(data, &eb); err != nil {
		return nil, err
	}
	table := make([]*MemberRef, len(members))
	for m, i := range members {
		table[i] = m
	}
	return decodeBody(&eb, table)
}

func referencesLibrary(mod *Module, probes *ProbeRefs) bool {
	for _, m := range mod.MemberRefs {
		if probes.IsProbeMember(m) {
			return true
		}
	}
	for _, m := range mod.Methods() {
		if m.Attribute(probes.AnnotationType) != nil {
			return true
		}
	}
	return false
}
