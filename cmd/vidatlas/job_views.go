package main

import (
	"fmt"
	"sort"
	"strings"

	"vidatlas/internal/api"
)

var jobTableHeaders = []string{"Job", "Subject", "Status", "Phase", "Progress", "Created"}

// buildJobRows renders job views newest-first for table output. The API
// lists jobs oldest-first; terminals read the other way around.
func buildJobRows(views []api.JobView) [][]string {
	if len(views) == 0 {
		return nil
	}
	sorted := api.SortJobsNewestFirst(views)

	rows := make([][]string, 0, len(sorted))
	for _, view := range sorted {
		rows = append(rows, []string{
			view.JobID,
			view.SubjectID,
			formatStatusLabel(view.Status),
			view.Phase,
			formatProgress(view.Progress),
			formatDisplayTime(view.CreatedAt),
		})
	}
	return rows
}

func buildStatusCountRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", stats[key])})
	}
	return rows
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatProgress(progress float64) string {
	return fmt.Sprintf("%.1f%%", progress)
}

func formatDisplayTime(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	t := api.ParseTime(value)
	if t.IsZero() {
		return value
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func formatFingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	if len(value) > 12 {
		return value[:12]
	}
	return value
}
