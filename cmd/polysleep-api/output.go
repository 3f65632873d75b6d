package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

var (
	headerStyle  = color.New(color.Bold, color.Underline)
	activeStyle  = color.New(color.FgHiGreen, color.Bold)
	deletedStyle = color.New(color.Faint, color.Italic)
	noticeStyle  = color.New(color.FgHiYellow)
)

func renderSchedules(out io.Writer, list []schedules.Schedule) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, noticeStyle.Sprint("no schedules"))
		return
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.MaxColWidth = 60
	tbl.AddRow("", headerStyle.Sprint("ID"), headerStyle.Sprint("Name"), headerStyle.Sprint("Difficulty"),
		headerStyle.Sprint("Sleep"), headerStyle.Sprint("Blocks"))
	for _, schedule := range list {
		marker := ""
		name := schedule.Definition.Name
		switch {
		case schedule.IsActive():
			marker = activeStyle.Sprint("●")
			name = activeStyle.Sprint(name)
		case schedule.Definition.IsDeleted:
			name = deletedStyle.Sprint(name + " (deleted)")
		}
		tbl.AddRow(marker, schedule.ID(), name, schedule.Definition.Difficulty,
			fmt.Sprintf("%.1fh", schedule.TotalSleepHours()), formatBlocks(schedule.Blocks))
	}
	_, _ = fmt.Fprintln(out, tbl)
}

// formatBlocks renders blocks as "23:00-05:00*" with core blocks starred.
func formatBlocks(blocks []schedules.SleepBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		part := block.Start().String() + "-" + block.End().String()
		if block.IsCore {
			part += "*"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func renderProgress(out io.Writer, progress schedules.AdaptationProgress, location *time.Location) {
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(headerStyle.Sprint("Schedule"), progress.ScheduleID)
	tbl.AddRow(headerStyle.Sprint("Phase"), fmt.Sprintf("%d of %d", progress.Phase, progress.FinalPhase))
	if progress.IsActive {
		tbl.AddRow(headerStyle.Sprint("Day"), fmt.Sprintf("%d of %d", progress.DayNumber, progress.TotalDays))
	} else {
		tbl.AddRow(headerStyle.Sprint("Day"), noticeStyle.Sprint("inactive"))
	}
	tbl.AddRow(headerStyle.Sprint("Since"), progress.PhaseReference.In(location).Format(time.DateTime))
	if progress.Completed() {
		tbl.AddRow("", activeStyle.Sprint("adaptation complete"))
	}
	_, _ = fmt.Fprintln(out, tbl)
}

func renderMigrationReport(out io.Writer, report schedules.MigrationReport) {
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(headerStyle.Sprint("Examined"), report.Examined)
	tbl.AddRow(headerStyle.Sprint("Backfilled"), report.Backfilled)
	tbl.AddRow(headerStyle.Sprint("Classified"), report.Difficulty)
	failed := fmt.Sprint(report.Failed)
	if report.Failed > 0 {
		failed = color.New(color.FgHiRed).Sprint(failed)
	}
	tbl.AddRow(headerStyle.Sprint("Failed"), failed)
	_, _ = fmt.Fprintln(out, tbl)
}

func renderUndo(out io.Writer, info *schedules.UndoInfo, location *time.Location) {
	if info == nil {
		_, _ = fmt.Fprintln(out, noticeStyle.Sprint("nothing to undo today"))
		return
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(headerStyle.Sprint("Restores"), info.ScheduleID)
	if info.ReplacedBy != "" {
		tbl.AddRow(headerStyle.Sprint("Replaced by"), info.ReplacedBy)
	}
	tbl.AddRow(headerStyle.Sprint("Changed at"), info.ChangedAt.In(location).Format(time.DateTime))
	tbl.AddRow(headerStyle.Sprint("Phase"), info.PreviousPhase)
	_, _ = fmt.Fprintln(out, tbl)
}
