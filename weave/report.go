package weave

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/mtraver/base91"
)

// Method result values recorded in reports.
const (
	ResultInstrumented = "instrumented"
	ResultStripped     = "stripped"
	ResultUnchanged    = "unchanged"
	ResultSkipped      = "skipped"
	ResultFailed       = "failed"
)

var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains the outcome of one weave run.
type ReportMetrics struct {
	GeneratedAt time.Time     `json:"generated_at"`
	RunDuration int64         `json:"run_ms"`
	Module      string        `json:"module"`
	Enabled     bool          `json:"enabled"`
	ProfileAll  bool          `json:"profile_all"`
	Counts      ReportCounts  `json:"counts"`
	CodeSize    CodeSizeDelta `json:"code_size"`
	Methods     []MethodEntry `json:"methods"`
}

// ReportCounts summarizes the per-method results.
type ReportCounts struct {
	Instrumented int `json:"instrumented"`
	Stripped     int `json:"stripped"`
	Unchanged    int `json:"unchanged"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// CodeSizeDelta is the total encoded size of all method bodies before and after weaving.
type CodeSizeDelta struct {
	Before int `json:"before_bytes"`
	After  int `json:"after_bytes"`
}

// MethodEntry records the result for one method.
type MethodEntry struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Result string `json:"result"`
	// Digest identifies the rewritten body content, empty when the body was not changed.
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BuildReport converts a run result into report metrics.
func BuildReport(startTime time.Time, config *Config, result *RunResult) ReportMetrics {
	report := ReportMetrics{
		GeneratedAt: time.Now(),
		RunDuration: time.Since(startTime).Milliseconds(),
		Module:      result.ModuleName,
		Enabled:     config.Enabled,
		ProfileAll:  config.ProfileAllMethods,
		CodeSize:    CodeSizeDelta{Before: result.CodeSizeBefore, After: result.CodeSizeAfter},
	}
	results := make([]string, len(result.Methods))
	for i, r := range result.Methods {
		results[i] = r.Result
	}
	counts := bulk.SliceToCounts(results)
	report.Counts = ReportCounts{
		Instrumented: counts[ResultInstrumented],
		Stripped:     counts[ResultStripped],
		Unchanged:    counts[ResultUnchanged],
		Skipped:      counts[ResultSkipped],
		Failed:       counts[ResultFailed],
	}
	for _, r := range result.Methods {
		entry := MethodEntry{Name: r.Name, Action: r.Action.String(), Result: r.Result, Digest: r.Digest}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		report.Methods = append(report.Methods, entry)
	}
	return report
}

// WriteToFile writes the report as indented JSON.
func (r ReportMetrics) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReportFile loads a report written by WriteToFile.
func ReadReportFile(path string) (ReportMetrics, error) {
	var report ReportMetrics
	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	} else if err = json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("parse report failed: %w", err)
	}
	return report, nil
}

// methodDigest returns a compact content hash of an encoded body.
func methodDigest(body *MethodBody, members map[*MemberRef]int) (string, error) {
	eb, err := encodeBody(body, members)
	if err != nil {
		return "", err
	}
	data, err := marshalMsgpack(eb)
	if err != nil {
		return "", err
	}
	sha := sha1.Sum(data)
	return base91.StdEncoding.EncodeToString(sha[:]), nil
}

func chartOutputType(path string) (string, error) {
	if strings.HasSuffix(path, ".png") {
		return charts.ChartOutputPNG, nil
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		return charts.ChartOutputJPG, nil
	} else if strings.HasSuffix(path, ".svg") {
		return charts.ChartOutputSVG, nil
	}
	return "", fmt.Errorf("unhandled chart file type: %s", path)
}

// WriteReportCharts renders the report summary to an image file, the format chosen by extension.
func WriteReportCharts(path string, report ReportMetrics) error {
	outputType, err := chartOutputType(path)
	if err != nil {
		return err
	}
	buf, err := RenderReportCharts(report, charts.PainterOptions{
		OutputFormat: outputType,
		Width:        800,
		Height:       420,
	})
	if err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderReportCharts draws the method result gauge above a summary table.
func RenderReportCharts(report ReportMetrics, painterOpt charts.PainterOptions) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(10, 10, 10, 10)))

	painters, err := p.LayoutByRows().
		Row().Height("120").Columns("results").
		Row().Columns("summary").
		Build()
	if err != nil {
		return nil, fmt.Errorf("error building chart layout: %w", err)
	}

	gaugeTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Steel blue */ R: 80, G: 140, B: 210, A: 255},
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
			{ /* Light gray */ R: 200, G: 200, B: 200, A: 255},
			charts.ColorRed,
		})
	c := report.Counts
	total := c.Instrumented + c.Stripped + c.Unchanged + c.Skipped + c.Failed
	resultsOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(c.Instrumented)}, {float64(c.Stripped)}, {float64(c.Unchanged)}, {float64(c.Skipped)}, {float64(c.Failed)},
	})
	resultsOpt.StackSeries = charts.Ptr(true)
	resultsOpt.Theme = gaugeTheme
	resultsOpt.Title.Text = "Method Results: " + report.Module
	resultsOpt.XAxis.Unit = axisUnitForMax(total)
	resultsOpt.YAxis.Show = charts.Ptr(false)
	failedSeries := len(resultsOpt.SeriesList) - 1
	resultsOpt.SeriesList[failedSeries].Label.Show = charts.Ptr(c.Failed > 0)
	resultsOpt.SeriesList[failedSeries].Label.FontStyle.FontColor = redTextColor
	resultsOpt.SeriesList[failedSeries].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(f, 0, false) + " failed"
	}
	if err := painters["results"].HorizontalBarChart(resultsOpt); err != nil {
		return nil, fmt.Errorf("error rendering chart: %w", err)
	}

	summary := [][]string{
		{ResultInstrumented, strconv.Itoa(c.Instrumented)},
		{ResultStripped, strconv.Itoa(c.Stripped)},
		{ResultUnchanged, strconv.Itoa(c.Unchanged)},
		{ResultSkipped, strconv.Itoa(c.Skipped)},
		{ResultFailed, strconv.Itoa(c.Failed)},
		{"code size", strconv.Itoa(report.CodeSize.Before) + " -> " + strconv.Itoa(report.CodeSize.After) + " bytes"},
	}
	tableOpt := charts.TableChartOption{
		Header:                []string{"Result", "Methods"},
		Data:                  summary,
		HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
		RowBackgroundColors:   []charts.Color{{R: 240, G: 240, B: 240, A: 255}, charts.ColorTransparent},
		Padding:               charts.NewBoxEqual(6),
		TextAligns:            []string{charts.AlignLeft, charts.AlignLeft},
		CellModifier: func(cell charts.TableCell) charts.TableCell {
			if cell.Row > 0 && cell.Column == 1 && summary[cell.Row-1][0] == ResultFailed && cell.Text != "0" {
				cell.FontStyle.FontColor = redTextColor
			}
			return cell
		},
	}
	if err := painters["summary"].TableChart(tableOpt); err != nil {
		return nil, fmt.Errorf("error rendering table: %w", err)
	}
	return p.Bytes()
}

func axisUnitForMax(val int) float64 {
	switch {
	case val >= 8000:
		return 2000
	case val > 2000:
		return 1000
	case val >= 800:
		return 200
	case val > 200:
		return 100
	case val >= 80:
		return 20
	case val > 20:
		return 10
	case val >= 10:
		return 2
	}
	return 1
}
