package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/zoneweave/zoneweave/weave"
)

func main() {
	log.SetFlags(log.LstdFlags)

	modulePath := flag.String("module", "", "Module container to disassemble")
	method := flag.String("method", "", "Only list methods whose full name contains this text")
	colorize := flag.Bool("color", true, "Colorize the listing, ignored when stdout is not a terminal")
	flag.Parse()

	if *modulePath == "" {
		log.Fatalf("%susage: -module path/to/Module%s [-method Type::Name]", weave.ErrorLogPrefix, weave.ContainerExt)
	}
	mod, err := weave.ReadModuleFile(*modulePath)
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}

	var listed int
	for _, m := range mod.Methods() {
		if !strings.Contains(m.FullName(), *method) {
			continue
		}
		if err := weave.WriteDisassembly(os.Stdout, m, *colorize); err != nil {
			log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
		}
		listed++
	}
	if listed == 0 {
		log.Printf("%sno methods matched '%s' in %s", weave.ErrorLogPrefix, *method, mod.Name)
		os.Exit(1)
	}
}
