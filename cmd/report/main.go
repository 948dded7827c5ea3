package main

import (
	"flag"
	"log"

	"github.com/zoneweave/zoneweave/weave"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "weavereport.json", "Weave report to render")
	reportChartsFile := flag.String("charts", "weavereport.png", "File to output weave overview chart image")
	flag.Parse()

	metrics, err := weave.ReadReportFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read weave report: %v", weave.ErrorLogPrefix, err)
	}
	if err := weave.WriteReportCharts(*reportChartsFile, metrics); err != nil {
		log.Fatalf("%sFailed to render charts: %v", weave.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
