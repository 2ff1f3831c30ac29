package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/tester"
	"github.com/apk-analysis/app-compat-harness/internal/watcher"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// packageResult 命令行输出的单个包结果
type packageResult struct {
	Package     string             `json:"package"`
	Kind        domain.TestKind    `json:"kind"`
	Passed      bool               `json:"passed"`
	FailureType domain.FailureType `json:"failure_type,omitempty"`
	Message     string             `json:"message,omitempty"`
	CrashCount  int                `json:"crash_count"`
	VersionName string             `json:"version_name,omitempty"`
	VersionCode string             `json:"version_code,omitempty"`
	Artifacts   string             `json:"artifacts"`
	Error       string             `json:"error,omitempty"`
}

func newTestCmd(kind, short string) *cobra.Command {
	var (
		listFile string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   kind + " [package...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			packages, err := collectPackages(args, listFile)
			if err != nil {
				return err
			}
			return runTests(domain.TestKind(kind), packages, asJSON)
		},
	}

	cmd.Flags().StringVarP(&listFile, "file", "f", "", "read package names from a file, one per line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON lines")
	return cmd
}

// collectPackages 合并命令行参数和包列表文件
func collectPackages(args []string, listFile string) ([]string, error) {
	packages := append([]string(nil), args...)
	if listFile != "" {
		f, err := os.Open(listFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open package list: %w", err)
		}
		defer f.Close()

		fromFile, err := watcher.ParsePackageList(f)
		if err != nil {
			return nil, err
		}
		packages = append(packages, fromFile...)
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("no packages given")
	}
	return packages, nil
}

func runTests(kind domain.TestKind, packages []string, asJSON bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := newDeviceStack(cfg, nil, logger)
	if err != nil {
		return err
	}
	if err := stack.prepare(ctx); err != nil {
		return err
	}

	failed := 0
	for _, pkg := range packages {
		res := runPackage(ctx, stack, kind, pkg, cfg.Artifacts.Dir, logger)
		printResult(res, asJSON)
		if !res.Passed {
			failed++
		}

		// 设备不可达或被中断时剩余的包没有意义
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	logger.WithFields(logrus.Fields{
		"kind":   kind,
		"total":  len(packages),
		"failed": failed,
	}).Info("Finished testing packages")

	if failed > 0 {
		return errTestsFailed
	}
	return nil
}

func runPackage(ctx context.Context, stack *deviceStack, kind domain.TestKind, pkg, baseDir string, logger *logrus.Logger) *packageResult {
	res := &packageResult{Package: pkg, Kind: kind}

	runID := fmt.Sprintf("%s_%s_%s", strings.ReplaceAll(pkg, "/", "_"), kind, time.Now().Format("20060102-150405"))
	sink, err := artifact.NewDirSink(baseDir, runID, nil, logger)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Artifacts = sink.Dir()

	t, err := stack.newTester(kind, sink)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	verdict, err := t.Run(ctx, pkg)
	if err != nil {
		res.Error = err.Error()
		if domain.IsDeviceUnavailable(err) {
			res.FailureType = domain.FailureTypeDeviceUnavailable
		}
		return res
	}
	fillResult(res, verdict)
	return res
}

func fillResult(res *packageResult, v *tester.Verdict) {
	res.Passed = v.Passed
	res.FailureType = v.FailureType
	res.Message = v.Message
	res.CrashCount = v.CrashCount
	res.VersionName = v.VersionName
	res.VersionCode = v.VersionCode
}

func printResult(res *packageResult, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(res)
		fmt.Println(string(data))
		return
	}

	switch {
	case res.Error != "":
		fmt.Printf("ERROR  %s: %s\n", res.Package, res.Error)
	case res.Passed:
		fmt.Printf("PASS   %s\n", res.Package)
	default:
		fmt.Printf("FAIL   %s [%s]\n%s\n", res.Package, res.FailureType, res.Message)
	}
	if res.Artifacts != "" {
		fmt.Printf("       artifacts: %s\n", res.Artifacts)
	}
}
