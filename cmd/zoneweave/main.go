package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/zoneweave/zoneweave/weave"
	"github.com/zoneweave/zoneweave/weave/cmd"
)

const (
	pprofDebug = false
	strictFlag = "strict"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	config, err := cmd.ParseFlags([]cmd.CustomFlag{
		{Name: strictFlag, DefaultValue: false, Usage: "Exit with status 2 when any method could not be patched", Type: "bool"},
	})
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}

	result, err := weave.NewWeaveEngine(config).Run()
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	if code := exitCode(result, config.CustomFlags[strictFlag] == "true"); code != 0 {
		os.Exit(code)
	}
}

// exitCode logs methods that were left unpatched. They only fail the run in strict mode.
func exitCode(result *weave.RunResult, strict bool) int {
	failed := result.Failed()
	if len(failed) == 0 {
		return 0
	}
	log.Printf("%s%d of %d methods could not be patched", weave.ErrorLogPrefix, len(failed), len(result.Methods))
	if strict {
		return 2
	}
	return 0
}
