package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/John-Robertt/songsync/internal/datex"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件或 .env 无法读取/解析。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingDownloadDir 表示没有配置 download_dir。
	ErrCodeMissingDownloadDir = "missing_download_dir"
	// ErrCodeMissingCredentials 表示既没有账号密码也没有 session_cookie。
	ErrCodeMissingCredentials = "missing_credentials"
	// ErrCodeInvalidValue 表示某个字段取值非法。
	ErrCodeInvalidValue = "invalid_value"
)

// EnvPrefix 是环境变量前缀：scan.workers ⇒ SONGSYNC_SCAN_WORKERS。
const EnvPrefix = "SONGSYNC"

// FileName 是在工作目录中自动发现的配置文件名（不含扩展名）。
const FileName = "songsync"

// Config 是合并并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type Config struct {
	BaseURL     string
	ListingPath string
	LoginPath   string

	Username      string
	Password      string
	SessionCookie string

	DownloadDir string
	DBPath      string

	Scan     ScanConfig
	Download DownloadConfig
	Backoff  BackoffConfig
	Extract  ExtractConfig

	DateOrder datex.Order
	RateLimit float64

	Proxy     string
	LogLevel  zerolog.Level
	NotifyURL string
	Schedule  string
	Listen    string

	// File 是实际读取的配置文件；仅由环境变量构成时为空。
	File string
}

type ScanConfig struct {
	Workers  int
	MaxPages int
	Retries  int
	// Full 关闭增量扫描：不在追上已知记录时提前结束。
	Full bool
}

type DownloadConfig struct {
	Workers int
	Retries int
}

type BackoffConfig struct {
	Base time.Duration
	Cap  time.Duration
}

type ExtractConfig struct {
	Enabled       bool
	DeleteArchive bool
}

// StateDir 是下载目录下存放数据库与诊断快照的隐藏目录。
func (c Config) StateDir() string { return filepath.Join(c.DownloadDir, ".songsync") }

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingDownloadDir:
		return fmt.Sprintf("%s：缺少必填字段 download_dir", e.Code)
	case ErrCodeMissingCredentials:
		return fmt.Sprintf("%s：需要 username+password 或 session_cookie", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadOptions 描述一次加载的输入。
type LoadOptions struct {
	// Dir 是发现 songsync.{json,yaml,toml} 与 .env 的目录，也是相对路径的基准。
	Dir string
	// File 非空时只读取该文件，且文件必须存在。
	File string
	// Flags 中被显式设置（Changed）的 flag 覆盖文件与环境变量。
	Flags *pflag.FlagSet
	// RequireCredentials 为 true 时缺少登录凭据视为错误（history 等只读命令不需要）。
	RequireCredentials bool
}

// flagKeys 把 CLI flag 映射到配置键。
var flagKeys = map[string]string{
	"download-dir":   "download_dir",
	"workers":        "download.workers",
	"scan-workers":   "scan.workers",
	"max-pages":      "scan.max_pages",
	"full":           "scan.full",
	"delete-archive": "extract.delete_archive",
	"date-order":     "date.order",
	"log-level":      "log_level",
	"schedule":       "schedule",
	"listen":         "listen",
	"db":             "db_path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "https://www.karaoke-version.com")
	v.SetDefault("listing_path", "/my/download.html?m=a&orderField=add_date&orderSort=desc&type=2&page={page}")
	v.SetDefault("login_path", "/my/login.html")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("session_cookie", "")
	v.SetDefault("download_dir", "")
	v.SetDefault("db_path", "")
	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.max_pages", 200)
	v.SetDefault("scan.retries", 3)
	v.SetDefault("scan.full", false)
	v.SetDefault("download.workers", 3)
	v.SetDefault("download.retries", 3)
	v.SetDefault("backoff.base", "1s")
	v.SetDefault("backoff.cap", "30s")
	v.SetDefault("extract.enabled", true)
	v.SetDefault("extract.delete_archive", false)
	v.SetDefault("date.order", string(datex.OrderAuto))
	v.SetDefault("rate_limit", 4.0)
	v.SetDefault("proxy", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("notify_url", "")
	v.SetDefault("schedule", "@every 5m")
	v.SetDefault("listen", "127.0.0.1:8686")
}

// Load 读取 .env、配置文件、环境变量与 CLI flag，合并为最终配置。
//
// 覆盖优先级（固定）：显式 flag > 环境变量（含 .env）> 配置文件 > 默认值。
// .env 不覆盖进程中已存在的环境变量。
func Load(opts LoadOptions) (Config, error) {
	dir := opts.Dir
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: dir, Err: err}
	}

	envPath := filepath.Join(dirAbs, ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: envPath, Err: err}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	file, err := readConfigFile(v, dirAbs, opts.File)
	if err != nil {
		return Config{}, err
	}

	if err := applyFlags(v, opts.Flags); err != nil {
		return Config{}, &Error{Code: ErrCodeInvalidValue, Err: err}
	}

	cfg, err := build(v, dirAbs)
	if err != nil {
		return Config{}, err
	}
	cfg.File = file

	if err := cfg.validate(opts.RequireCredentials); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, dir, explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		p := absCleanFrom(dir, explicit)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return "", &Error{Code: ErrCodeNotFound, Path: p, Err: os.ErrNotExist}
			}
			return "", &Error{Code: ErrCodeInvalid, Path: p, Err: err}
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return "", &Error{Code: ErrCodeInvalid, Path: p, Err: err}
		}
		return p, nil
	}

	// 自动发现的配置文件是可选的：全部配置可以只来自环境变量。
	v.SetConfigName(FileName)
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", &Error{Code: ErrCodeInvalid, Path: v.ConfigFileUsed(), Err: err}
	}
	return v.ConfigFileUsed(), nil
}

// applyFlags 只把显式设置过的 flag 写入 viper，保证 --x=false 也能覆盖配置。
func applyFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "no-extract" {
			off, err := fs.GetBool("no-extract")
			if err != nil && firstErr == nil {
				firstErr = err
			}
			v.Set("extract.enabled", !off)
			return
		}
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
	return firstErr
}

func build(v *viper.Viper, dir string) (Config, error) {
	order, err := datex.ParseOrder(v.GetString("date.order"))
	if err != nil {
		return Config{}, invalid("date.order", err)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(v.GetString("log_level"))))
	switch {
	case err != nil:
	case level == zerolog.DebugLevel, level == zerolog.InfoLevel, level == zerolog.WarnLevel, level == zerolog.ErrorLevel:
	default:
		err = errors.New("只能是 debug/info/warn/error")
	}
	if err != nil {
		return Config{}, invalid("log_level", fmt.Errorf("%w：%q", err, v.GetString("log_level")))
	}
	base, err := duration(v, "backoff.base")
	if err != nil {
		return Config{}, err
	}
	ceiling, err := duration(v, "backoff.cap")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BaseURL:       strings.TrimRight(strings.TrimSpace(v.GetString("base_url")), "/"),
		ListingPath:   strings.TrimSpace(v.GetString("listing_path")),
		LoginPath:     strings.TrimSpace(v.GetString("login_path")),
		Username:      strings.TrimSpace(v.GetString("username")),
		Password:      v.GetString("password"),
		SessionCookie: strings.TrimSpace(v.GetString("session_cookie")),
		Scan: ScanConfig{
			Workers:  v.GetInt("scan.workers"),
			MaxPages: v.GetInt("scan.max_pages"),
			Retries:  v.GetInt("scan.retries"),
			Full:     v.GetBool("scan.full"),
		},
		Download: DownloadConfig{
			Workers: v.GetInt("download.workers"),
			Retries: v.GetInt("download.retries"),
		},
		Backoff: BackoffConfig{Base: base, Cap: ceiling},
		Extract: ExtractConfig{
			Enabled:       v.GetBool("extract.enabled"),
			DeleteArchive: v.GetBool("extract.delete_archive"),
		},
		DateOrder: order,
		RateLimit: v.GetFloat64("rate_limit"),
		Proxy:     strings.TrimSpace(v.GetString("proxy")),
		LogLevel:  level,
		NotifyURL: strings.TrimSpace(v.GetString("notify_url")),
		Schedule:  strings.TrimSpace(v.GetString("schedule")),
		Listen:    strings.TrimSpace(v.GetString("listen")),
	}

	if d := strings.TrimSpace(v.GetString("download_dir")); d != "" {
		cfg.DownloadDir = absCleanFrom(dir, d)
	}
	if p := strings.TrimSpace(v.GetString("db_path")); p != "" {
		cfg.DBPath = absCleanFrom(dir, p)
	} else if cfg.DownloadDir != "" {
		cfg.DBPath = filepath.Join(cfg.StateDir(), "songsync.db")
	}
	return cfg, nil
}

func (c Config) validate(requireCreds bool) error {
	if c.DownloadDir == "" {
		return &Error{Code: ErrCodeMissingDownloadDir}
	}
	if requireCreds && c.SessionCookie == "" && (c.Username == "" || c.Password == "") {
		return &Error{Code: ErrCodeMissingCredentials}
	}
	if err := httpURL("base_url", c.BaseURL, false); err != nil {
		return err
	}
	if !strings.Contains(c.ListingPath, "{page}") {
		return invalid("listing_path", fmt.Errorf("必须包含 {page}：%q", c.ListingPath))
	}
	if c.SessionCookie != "" && !strings.Contains(c.SessionCookie, "=") {
		return invalid("session_cookie", errors.New("格式应为 name=value"))
	}

	checks := []struct {
		key      string
		val      int
		min, max int
	}{
		{"scan.workers", c.Scan.Workers, 1, 16},
		{"scan.max_pages", c.Scan.MaxPages, 1, 10000},
		{"scan.retries", c.Scan.Retries, 1, 10},
		{"download.workers", c.Download.Workers, 1, 16},
		{"download.retries", c.Download.Retries, 1, 10},
	}
	for _, ck := range checks {
		if ck.val < ck.min || ck.val > ck.max {
			return invalid(ck.key, fmt.Errorf("取值范围 [%d, %d]，实际=%d", ck.min, ck.max, ck.val))
		}
	}

	if c.Backoff.Base <= 0 || c.Backoff.Cap < c.Backoff.Base {
		return invalid("backoff", fmt.Errorf("要求 0 < base <= cap，实际 base=%s cap=%s", c.Backoff.Base, c.Backoff.Cap))
	}
	if c.RateLimit < 0 {
		return invalid("rate_limit", fmt.Errorf("不能为负数：%v", c.RateLimit))
	}
	if c.Proxy != "" {
		if err := httpURL("proxy", c.Proxy, true); err != nil {
			return err
		}
	}
	if c.NotifyURL != "" {
		if err := httpURL("notify_url", c.NotifyURL, false); err != nil {
			return err
		}
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return invalid("schedule", err)
	}
	if c.Listen == "" {
		return invalid("listen", errors.New("不能为空"))
	}
	return nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, invalid(key, err)
	}
	return d, nil
}

func httpURL(key, raw string, allowSocks bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid(key, fmt.Errorf("必须包含 scheme 与 host：%q", raw))
	}
	if u.Scheme == "http" || u.Scheme == "https" || (allowSocks && u.Scheme == "socks5") {
		return nil
	}
	return invalid(key, fmt.Errorf("不支持的 scheme：%q", raw))
}

func invalid(key string, err error) error {
	return &Error{Code: ErrCodeInvalidValue, Err: fmt.Errorf("%s：%w", key, err)}
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
