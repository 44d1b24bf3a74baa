package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/4xmen/hamsokhan/pkg/config"
)

type appStatus struct {
	GeneratedAt      time.Time
	Environment      string
	Port             string
	DatabasePath     string
	FileStoragePath  string
	Users            int64
	Messages         int64
	MessagesWithFile int64
	PushSubscribers  int64
	MessagesLast24h  int64
	LatestMessageAt  string
	DBSize           int64
	DBWALSize        int64
	DBSHMSize        int64
	UploadDirSize    int64
	UploadFileCount  int64
	DBMetricsReady   bool
	DBWarning        string
	CacheStatus      string
	StorageWarnings  []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:     time.Now(),
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
		CacheStatus:     cacheStatus(cfg.RedisURL),
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}
	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}
	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if bytes, files, err := dirUsage(cfg.FileStoragePath); err == nil {
		status.UploadDirSize = bytes
		status.UploadFileCount = files
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("upload dir: %v", err))
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	counters := []struct {
		dst   *int64
		query string
	}{
		{&status.Users, "SELECT COUNT(*) FROM users"},
		{&status.Messages, "SELECT COUNT(*) FROM messages"},
		{&status.MessagesWithFile, "SELECT COUNT(*) FROM messages WHERE file IS NOT NULL"},
		{&status.PushSubscribers, "SELECT COUNT(DISTINCT user_id) FROM push_subscriptions"},
		{&status.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE datetime(created_at) >= datetime('now', '-1 day')"},
	}
	for _, c := range counters {
		if *c.dst, err = queryInt64(dbConn, c.query); err != nil {
			status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
			return status
		}
	}

	if status.LatestMessageAt, err = queryString(dbConn, "SELECT COALESCE(MAX(created_at), '') FROM messages"); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	status.DBMetricsReady = true
	return status
}

func cacheStatus(redisURL string) string {
	if redisURL == "" {
		return "disabled"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Sprintf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Sprintf("unreachable: %v", err)
	}
	return "ok"
}

func queryInt64(db *sql.DB, query string) (int64, error) {
	var value int64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func queryString(db *sql.DB, query string) (string, error) {
	var value string
	if err := db.QueryRow(query).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (int64, int64, error) {
	var totalBytes int64
	var totalFiles int64

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		totalBytes += info.Size()
		totalFiles++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return totalBytes, totalFiles, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

// statusRow is one reported value. JSON output uses key and value; text
// output uses label and text.
type statusRow struct {
	key   string
	label string
	value any
	text  string
}

type statusSection struct {
	key   string
	title string
	rows  []statusRow
}

func countRow(key, label string, n int64) statusRow {
	return statusRow{key: key, label: label, value: n, text: fmt.Sprint(n)}
}

func bytesRow(key, label string, n int64) statusRow {
	return statusRow{key: key, label: label, value: n, text: formatBytes(n)}
}

func textRow(key, label, value string) statusRow {
	return statusRow{key: key, label: label, value: value, text: value}
}

func statusSections(status appStatus) []statusSection {
	server := statusSection{key: "server", title: "Server", rows: []statusRow{
		textRow("environment", "environment", status.Environment),
		textRow("port", "port", status.Port),
		textRow("database_path", "database", status.DatabasePath),
		textRow("file_storage_path", "uploads dir", status.FileStoragePath),
		textRow("cache", "history cache", status.CacheStatus),
	}}

	metrics := statusSection{key: "metrics", title: "Messaging"}
	if status.DBMetricsReady {
		metrics.rows = []statusRow{
			countRow("users", "users", status.Users),
			countRow("messages", "messages", status.Messages),
			countRow("messages_with_file", "with attachment", status.MessagesWithFile),
			countRow("messages_last_24h", "last 24h", status.MessagesLast24h),
			textRow("latest_message_at", "latest message", formatTimestamp(status.LatestMessageAt)),
			countRow("push_subscribers", "push subscribers", status.PushSubscribers),
		}
	}

	storage := statusSection{key: "storage", title: "Storage", rows: []statusRow{
		bytesRow("db_footprint_bytes", "database", status.DBSize+status.DBWALSize+status.DBSHMSize),
		bytesRow("db_wal_bytes", "  of which WAL", status.DBWALSize),
		countRow("upload_file_count", "attachments", status.UploadFileCount),
		bytesRow("upload_dir_bytes", "attachment bytes", status.UploadDirSize),
	}}

	return []statusSection{server, metrics, storage}
}

func (s appStatus) warnings() []string {
	var out []string
	if s.DBWarning != "" {
		out = append(out, s.DBWarning)
	}
	return append(out, s.StorageWarnings...)
}

func printStatus(out io.Writer, status appStatus) {
	fmt.Fprintf(out, "Hamsokhan status at %s\n", status.GeneratedAt.Format(time.RFC3339))

	for _, section := range statusSections(status) {
		fmt.Fprintf(out, "\n%s\n", section.title)
		if len(section.rows) == 0 {
			fmt.Fprintln(out, "  n/a")
			continue
		}
		width := 0
		for _, row := range section.rows {
			width = max(width, len(row.label))
		}
		for _, row := range section.rows {
			fmt.Fprintf(out, "  %-*s  %s\n", width, row.label, row.text)
		}
	}

	if warnings := status.warnings(); len(warnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range warnings {
			fmt.Fprintf(out, "warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	payload := map[string]any{
		"generated_at":  status.GeneratedAt.Format(time.RFC3339),
		"metrics_ready": status.DBMetricsReady,
		"warnings":      status.warnings(),
	}
	for _, section := range statusSections(status) {
		values := make(map[string]any, len(section.rows))
		for _, row := range section.rows {
			values[row.key] = row.value
		}
		payload[section.key] = values
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
