package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/songsync/internal/config"
)

// 退出码约定。
const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError 携带命令希望使用的退出码；err 为 nil 时不再打印。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

type streams struct {
	stdout io.Writer
	stderr io.Writer
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(streams{stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "错误：%v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数错误（未知 flag/命令）。
	fmt.Fprintf(stderr, "参数错误：%v\n", err)
	return exitConfig
}

func newRootCmd(s streams) *cobra.Command {
	root := &cobra.Command{
		Use:           "songsync",
		Short:         "同步 karaoke-version.com 上已购买的伴奏曲目到本地",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "配置文件路径（默认在当前目录查找 songsync.json|yaml|toml）")
	pf.String("log-level", "", "日志级别：debug|info|warn|error")
	pf.String("download-dir", "", "下载目录")
	pf.String("db", "", "状态数据库路径（默认 {download_dir}/.songsync/songsync.db）")

	root.AddCommand(
		newRunCmd(s),
		newWatchCmd(s),
		newServeCmd(s),
		newHistoryCmd(s),
		newVerifyCmd(s),
	)
	return root
}

// loadConfig 读取配置；CLI flag 只在显式设置时覆盖。
func loadConfig(cmd *cobra.Command, requireCreds bool) (config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, exitWith(exitFailed, fmt.Errorf("读取当前目录失败：%w", err))
	}
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{
		Dir:                cwd,
		File:               file,
		Flags:              cmd.Flags(),
		RequireCredentials: requireCreds,
	})
	if err != nil {
		return config.Config{}, exitWith(exitConfig, err)
	}
	return cfg, nil
}
