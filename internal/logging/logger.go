package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger 全局结构化日志器
var Logger = slog.Default()

// InitLogger 初始化结构化日志, format 为 "text" 时输出文本格式, 其余情况输出 JSON.
func InitLogger(level, format string) {
	Logger = NewLogger(os.Stdout, level, format)
	slog.SetDefault(Logger)
}

// NewLogger builds a handler without touching the process default.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	if format == "text" {
		// 文本格式，便于开发调试
		return slog.New(slog.NewTextHandler(w, opts))
	}
	// JSON 格式，便于日志收集系统处理
	return slog.New(slog.NewJSONHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogChainSetupFailed 记录单链初始化失败
func LogChainSetupFailed(chainID string, err error) {
	Logger.Error("chain_setup_failed",
		slog.String("chain_id", chainID),
		slog.String("error", err.Error()),
	)
}

// LogChainTeardownFailed 记录单链清理失败
func LogChainTeardownFailed(chainID string, err error) {
	Logger.Error("chain_teardown_failed",
		slog.String("chain_id", chainID),
		slog.String("error", err.Error()),
	)
}

// LogDiffCycle 记录一次 diff 周期
func LogDiffCycle(removed, addedOrModified, total int) {
	Logger.Info("chain_diff_cycle",
		slog.Int("removed", removed),
		slog.Int("added_or_modified", addedOrModified),
		slog.Int("total", total),
	)
}

// LogNodeSwitched 记录节点切换
func LogNodeSwitched(chainID, fromURL, toURL, reason string) {
	Logger.Warn("node_switched",
		slog.String("chain_id", chainID),
		slog.String("from", fromURL),
		slog.String("to", toURL),
		slog.String("reason", reason),
	)
}

// LogRuntimeConstructed 记录运行时快照构建成功
func LogRuntimeConstructed(chainID string, runtimeVersion int, metadataHash, typesHash string) {
	Logger.Info("runtime_constructed",
		slog.String("chain_id", chainID),
		slog.Int("runtime_version", runtimeVersion),
		slog.String("metadata_hash", metadataHash),
		slog.String("types_hash", typesHash),
	)
}

// LogRuntimeConstructionFailed 记录运行时快照构建失败
func LogRuntimeConstructionFailed(chainID string, cacheMiss bool, err error) {
	Logger.Error("runtime_construction_failed",
		slog.String("chain_id", chainID),
		slog.Bool("cache_miss", cacheMiss),
		slog.String("error", err.Error()),
	)
}

// LogSyncFailed 记录 schema 同步失败
func LogSyncFailed(scope string, err error) {
	Logger.Warn("sync_failed",
		slog.String("scope", scope),
		slog.String("error", err.Error()),
	)
}
