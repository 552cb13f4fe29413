package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/John-Robertt/songsync/internal/domain"
)

// emitSummary 输出最终结果。
//
// stdout 非 TTY（或 --json）时，stdout 必须且仅输出一个 RunSummary JSON，摘要行走 stderr；
// 终端下输出摘要行与失败表格。
func emitSummary(stdout, stderr io.Writer, sum domain.RunSummary, asJSON bool) {
	line := summaryLine(sum)
	if asJSON || !isTerminal(stdout) {
		_ = json.NewEncoder(stdout).Encode(sum)
		fmt.Fprintln(stderr, line)
		return
	}

	fmt.Fprintln(stdout, line)
	if sum.Reason != "" {
		fmt.Fprintf(stdout, "原因：%s\n", sum.Reason)
	}
	if len(sum.Failures) > 0 {
		renderFailures(stdout, sum.Failures)
	}
}

func summaryLine(sum domain.RunSummary) string {
	c := sum.Counters
	return fmt.Sprintf("完成：outcome=%s scanned=%d new=%d queued=%d downloaded=%d extracted=%d failed=%d",
		sum.Outcome, c.Scanned, c.New, c.Queued, c.Downloaded, c.Extracted, c.Failed,
	)
}

func renderFailures(w io.Writer, failures []domain.Failure) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Page", "Code", "Attempts", "Message"})
	for _, f := range failures {
		t.AppendRow(table.Row{
			dash(f.ID),
			dashInt(f.Page),
			f.Code,
			dashInt(f.Attempts),
			truncate(f.Message, 100),
		})
	}
	t.Render()
}

// renderRuns 以表格输出运行历史。
func renderRuns(w io.Writer, runs []domain.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Started", "Took", "Outcome", "Scanned", "New", "Downloaded", "Extracted", "Failed"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatShortDuration(r.FinishedAt.Sub(r.StartedAt)),
			r.Outcome,
			r.Counters.Scanned,
			r.Counters.New,
			r.Counters.Downloaded,
			r.Counters.Extracted,
			r.Counters.Failed,
		})
	}
	t.Render()
}

func renderVerify(w io.Writer, rep verifyReport) {
	for _, msg := range rep.Integrity {
		fmt.Fprintf(w, "数据库问题：%s\n", msg)
	}
	if len(rep.Issues) == 0 {
		if len(rep.Integrity) == 0 {
			fmt.Fprintln(w, "状态与下载目录一致")
		}
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Title", "Status", "Problem", "Fixed"})
	for _, is := range rep.Issues {
		fixed := "-"
		if is.Fixed {
			fixed = "pending"
		}
		t.AppendRow(table.Row{is.ID, truncate(is.Title, 40), is.Status, is.Problem, fixed})
	}
	t.Render()
}

func exitCodeFor(sum domain.RunSummary) int {
	switch sum.Outcome {
	case domain.OutcomeCompleted:
		return exitOK
	case domain.OutcomeCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashInt(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
