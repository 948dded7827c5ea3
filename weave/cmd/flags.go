package cmd

import (
	"errors"
	"flag"
	"strconv"

	"github.com/zoneweave/zoneweave/weave"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*weave.Config, error) {
	config := &weave.Config{CustomFlags: make(map[string]string)}

	modulePath := flag.String("module", "", "Path to the module container ("+weave.ContainerExt+") to weave")
	outputPath := flag.String("out", "", "Output path for the woven module, defaults to replacing the input")
	enabled := flag.Bool("enabled", true, "Inject profiling zones, when false existing zones are stripped")
	profileAll := flag.Bool("profileall", false, "Inject zones into every method with a body, not only annotated ones")
	sourceExt := flag.String("ext", weave.DefaultSourceExt, "Extension used for file labels when no source mapping exists")
	parallel := flag.Bool("parallel", false, "Transform methods concurrently")
	diff := flag.Bool("diff", false, "Log a disassembly diff for every changed method")
	dryRun := flag.Bool("dryrun", false, "Transform and report without writing the module")
	backup := flag.Bool("backup", false, "Keep a .orig copy when the module is replaced in place")
	reportJsonFile := flag.String("json", "", "File to output weave details")
	reportChartsFile := flag.String("charts", "", "File to output weave overview chart image")
	snapshotDir := flag.String("snapshotdir", "", "Directory for on-disk method snapshots, in memory when empty")
	cacheMB := flag.Int("cachemb", 64, "Snapshot store memory budget in MB")

	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	if *modulePath == "" {
		return nil, errors.New("usage: -module path/to/Module" + weave.ContainerExt + " [-enabled=false] [-profileall]")
	}

	config.ModulePath = *modulePath
	config.OutputPath = *outputPath
	config.Enabled = *enabled
	config.ProfileAllMethods = *profileAll
	config.SourceExt = *sourceExt
	config.Parallel = *parallel
	config.Diff = *diff
	config.DryRun = *dryRun
	config.Backup = *backup
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.SnapshotDir = *snapshotDir
	config.CacheMB = *cacheMB

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}
