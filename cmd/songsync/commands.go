package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/songsync/internal/app/planner"
	"github.com/John-Robertt/songsync/internal/app/run"
	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/httpapi"
	"github.com/John-Robertt/songsync/internal/store/sqlite"
)

const progressBuffer = 256

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("workers", 0, "下载并发数（1..16，默认 3）")
	f.Int("scan-workers", 0, "扫描并发数（1..16，默认 4）")
	f.Int("max-pages", 0, "最多扫描的列表页数（默认 200）")
	f.Bool("no-extract", false, "只下载不解压")
	f.Bool("full", false, "完整扫描所有列表页，不在追上已知记录时提前结束")
	f.Bool("delete-archive", false, "解压成功后删除压缩包")
	f.String("date-order", "", "歧义日期的解释：auto|day-first|month-first")
}

func newRunCmd(s streams) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "执行一次同步：扫描 → 下载 → 解压",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			log := newLogger(s.stderr, cfg.LogLevel)

			var ui *progressUI
			if isTerminal(s.stderr) {
				ui = newProgressUI(s.stderr, cfg)
			}
			var obs run.Observer
			if ui != nil {
				obs = ui
			}

			a, err := newApp(ctx, cfg, log, obs)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			defer a.Close()

			if ui != nil {
				events, cancel := a.bus.Subscribe(progressBuffer)
				defer cancel()
				go ui.consume(events)
			}

			sum, err := a.coord.Run(ctx)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			emitSummary(s.stdout, s.stderr, sum, asJSON)
			if code := exitCodeFor(sum); code != exitOK {
				return exitWith(code, nil)
			}
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "stdout 输出 RunSummary JSON（stdout 非终端时默认）")
	return cmd
}

func newWatchCmd(s streams) *cobra.Command {
	var immediately bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "按计划周期性执行同步（默认 @every 5m）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			log := newLogger(s.stderr, cfg.LogLevel)

			a, err := newApp(ctx, cfg, log, nil)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			defer a.Close()

			tick := func() {
				sum, err := a.coord.Run(ctx)
				if errors.Is(err, domain.ErrRunAlreadyInProgress) {
					log.Warn().Err(err).Msg("previous run still active, tick skipped")
					return
				}
				if err != nil {
					log.Error().Err(err).Msg("run failed")
					return
				}
				fmt.Fprintln(s.stderr, summaryLine(sum))
			}

			c := cron.New()
			if _, err := c.AddFunc(cfg.Schedule, tick); err != nil {
				return exitWith(exitConfig, fmt.Errorf("schedule 无效：%w", err))
			}
			log.Info().Str("schedule", cfg.Schedule).Msg("watching")
			c.Start()
			if immediately {
				go tick()
			}

			<-ctx.Done()
			log.Info().Msg("stopping, waiting for the active run")
			<-c.Stop().Done()
			// 立即执行的那一次不受 cron 管理，这里等它结束。
			a.coord.Wait()
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("schedule", "", "cron 表达式或 @every 间隔")
	cmd.Flags().BoolVar(&immediately, "now", true, "启动时立即执行一次")
	return cmd
}

func newServeCmd(s streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动本地 HTTP 接口（触发运行、查询结果、事件流、指标）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			log := newLogger(s.stderr, cfg.LogLevel)

			a, err := newApp(ctx, cfg, log, nil)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			defer a.Close()

			api := httpapi.NewServer(ctx, log, httpapi.Deps{
				Runner:  a.coord,
				Runs:    a.store.Runs,
				Records: a.store.Records,
				Events:  a.bus,
				Metrics: a.metrics.Handler(),
				OnRunDone: func(sum domain.RunSummary) {
					log.Info().Str("run_id", sum.RunID).Str("outcome", string(sum.Outcome)).Msg("triggered run finished")
				},
			})
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.Info().Str("listen", cfg.Listen).Msg("http server started")

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return exitWith(exitFailed, err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			a.coord.Wait()
			return nil
		},
	}
	cmd.Flags().String("listen", "", "监听地址（默认 127.0.0.1:8686）")
	return cmd
}

func newHistoryCmd(s streams) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看最近的运行记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			db, err := sqlite.Open(ctx, cfg.DBPath)
			if err != nil {
				return exitWith(exitFailed, fmt.Errorf("打开状态数据库失败：%w", err))
			}
			defer db.Close()

			runs, err := sqlite.NewRunsRepository(db.SQL).List(ctx, limit)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			if asJSON || !isTerminal(s.stdout) {
				if runs == nil {
					runs = []domain.RunSummary{}
				}
				enc := json.NewEncoder(s.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(s.stdout, "还没有运行记录")
				return nil
			}
			renderRuns(s.stdout, runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "显示条数")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	return cmd
}

type verifyIssue struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Problem string `json:"problem"`
	Detail  string `json:"detail"`
	Fixed   bool   `json:"fixed"`
}

type verifyReport struct {
	Integrity []string      `json:"integrity"`
	Issues    []verifyIssue `json:"issues"`
}

func newVerifyCmd(s streams) *cobra.Command {
	var fix, asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "校验状态数据库与下载目录是否一致",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			db, err := sqlite.Open(ctx, cfg.DBPath)
			if err != nil {
				return exitWith(exitFailed, fmt.Errorf("打开状态数据库失败：%w", err))
			}
			defer db.Close()

			rep := verifyReport{Integrity: []string{}, Issues: []verifyIssue{}}
			if rep.Integrity, err = db.IntegrityCheck(ctx); err != nil {
				return exitWith(exitFailed, err)
			}
			if rep.Integrity == nil {
				rep.Integrity = []string{}
			}

			records := sqlite.NewRecordsRepository(db.SQL)
			known, err := records.Known(ctx)
			if err != nil {
				return exitWith(exitFailed, err)
			}
			issues, err := planner.Check(known, planner.Layout{Root: cfg.DownloadDir})
			if err != nil {
				return exitWith(exitFailed, err)
			}

			unresolved := len(rep.Integrity)
			for _, is := range issues {
				vi := verifyIssue{
					ID:      is.Record.ID,
					Title:   is.Record.Title,
					Status:  string(is.Record.Status),
					Problem: is.Problem,
					Detail:  is.Detail,
				}
				// 路径冲突需要人工处理，重置状态也无济于事。
				if fix && is.Problem != planner.ProblemPathConflict {
					if err := records.SetStatus(ctx, vi.ID, domain.StatusPending, "校验："+is.Problem); err != nil {
						return exitWith(exitFailed, err)
					}
					vi.Fixed = true
				}
				if !vi.Fixed {
					unresolved++
				}
				rep.Issues = append(rep.Issues, vi)
			}

			if asJSON || !isTerminal(s.stdout) {
				enc := json.NewEncoder(s.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return exitWith(exitFailed, err)
				}
			} else {
				renderVerify(s.stdout, rep)
			}
			if unresolved > 0 {
				return exitWith(exitFailed, nil)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "把文件缺失的记录重置为 pending，下次运行重新下载")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	return cmd
}
