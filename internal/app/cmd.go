package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/outagegrid/internal/catalog"
	"github.com/hitoshi/outagegrid/internal/config"
	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/release"
	"github.com/hitoshi/outagegrid/internal/security"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。サブコマンド省略時の既定。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandSeed はYAMLファイルから初期データを投入することを示す。
	CommandSeed Command = "seed"
	// CommandGrid はグリッドの表示とセル操作を行うことを示す。
	CommandGrid Command = "grid"
	// CommandRelease はリリースを登録することを示す。
	CommandRelease Command = "release"
)

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
// ログはlogOutへ、コマンドの出力はcmd.OutOrStdout()へ書き込む。
func NewRootCommand(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "outagegrid",
		Short:         "Outage grid tracker",
		Long:          "アプリケーションごとの日次障害状況を月単位のグリッドで記録・配信する。",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startDaemon(logOut, CommandServe)
		},
	}

	root.AddCommand(
		daemonCmd(logOut, CommandServe, "Start the HTTP API server"),
		daemonCmd(logOut, CommandWorker, "Start the background worker"),
		daemonCmd(logOut, CommandMigrate, "Apply database migrations"),
		healthcheckCmd(),
		seedCmd(logOut),
		gridCmd(logOut),
		releaseCmd(logOut),
	)
	return root
}

func daemonCmd(logOut io.Writer, command Command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(command),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startDaemon(logOut, command)
		},
	}
}

// startDaemon は設定を読み込み、指定モードで起動する。
func startDaemon(logOut io.Writer, command Command) error {
	cfg, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(command)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch command {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// healthcheck は軽量サブコマンドのため、設定の読み込みをスキップする
func healthcheckCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check the /health endpoint of a local server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(port)
		},
	}
	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "server port")
	return cmd
}

// withBackend は設定を読み込んでストアを開き、fnの終了後に閉じる。
func withBackend(logOut io.Writer, fn func(ctx context.Context, cfg *config.Config, b *backend) error) error {
	cfg, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func seedCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandSeed) + " <file.yaml>",
		Short: "Load categories, applications and outages from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer file.Close()

			f, err := ParseSeedFile(file)
			if err != nil {
				return err
			}

			return withBackend(logOut, func(ctx context.Context, cfg *config.Config, b *backend) error {
				svc := catalog.NewService(b.store.Categories, b.store.Applications)
				sanitizer := security.NewTextSanitizer()
				res, err := NewSeeder(svc, b.store.Outages, grid.WithNotesSanitizer(sanitizer.Sanitize)).Seed(ctx, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded categories=%d applications=%d outages=%d\n",
					res.Categories, res.Applications, res.Outages)
				return nil
			})
		},
	}
}

// gridFlags はgridサブコマンド共通の年月指定。0の場合は現在の年月を使う。
type gridFlags struct {
	year  int
	month int
}

func (f *gridFlags) period(loc *time.Location) (model.Period, error) {
	now := model.PeriodOf(time.Now().In(loc))
	p := now
	if f.year != 0 {
		p.Year = f.year
	}
	if f.month != 0 {
		p.Month = f.month
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func gridCmd(logOut io.Writer) *cobra.Command {
	flags := &gridFlags{}
	cmd := &cobra.Command{
		Use:   string(CommandGrid),
		Short: "Show the outage grid or change a cell",
	}
	cmd.PersistentFlags().IntVar(&flags.year, "year", 0, "year (default: current)")
	cmd.PersistentFlags().IntVar(&flags.month, "month", 0, "month 1-12 (default: current)")

	cmd.AddCommand(gridShowCmd(logOut, flags), gridToggleCmd(logOut, flags), gridSetCmd(logOut, flags))
	return cmd
}

// openManager は指定年月を読み込んだManagerを返す。
func openManager(ctx context.Context, cfg *config.Config, b *backend, flags *gridFlags) (*grid.Manager, error) {
	period, err := flags.period(cfg.Location())
	if err != nil {
		return nil, err
	}
	sanitizer := security.NewTextSanitizer()
	m := grid.NewManager(b.store.Outages, period, grid.WithNotesSanitizer(sanitizer.Sanitize))
	if err := m.LoadOutages(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func gridShowCmd(logOut io.Writer, flags *gridFlags) *cobra.Command {
	var prev, next bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Render the grid of a month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(logOut, func(ctx context.Context, cfg *config.Config, b *backend) error {
				m, err := openManager(ctx, cfg, b, flags)
				if err != nil {
					return err
				}
				switch {
				case prev:
					err = m.NavigateMonth(ctx, grid.Prev)
				case next:
					err = m.NavigateMonth(ctx, grid.Next)
				}
				if err != nil {
					return err
				}

				tree, err := catalog.NewService(b.store.Categories, b.store.Applications).ListCategoriesWithApplications(ctx)
				if err != nil {
					return err
				}
				return RenderGrid(cmd.OutOrStdout(), m.Snapshot(), tree)
			})
		},
	}
	cmd.Flags().BoolVar(&prev, "prev", false, "show the month before --year/--month")
	cmd.Flags().BoolVar(&next, "next", false, "show the month after --year/--month")
	cmd.MarkFlagsMutuallyExclusive("prev", "next")
	return cmd
}

func gridToggleCmd(logOut io.Writer, flags *gridFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <application> <day>",
		Short: "Cycle a cell through none, partial and full",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(args[1])
			if err != nil {
				return err
			}
			return withBackend(logOut, func(ctx context.Context, cfg *config.Config, b *backend) error {
				app, err := resolveApplication(ctx, b.store.Applications, args[0])
				if err != nil {
					return err
				}
				m, err := openManager(ctx, cfg, b, flags)
				if err != nil {
					return err
				}
				status, err := m.ToggleOutageStatus(ctx, app.ID, day)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s-%02d %s\n", app.Name, m.Period(), day, status)
				return nil
			})
		},
	}
}

func gridSetCmd(logOut io.Writer, flags *gridFlags) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "set <application> <day> <none|partial|full>",
		Short: "Set the status of a cell",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(args[1])
			if err != nil {
				return err
			}
			status, err := model.ParseOutageStatus(args[2])
			if err != nil {
				return err
			}
			var notesPtr *string
			if cmd.Flags().Changed("notes") {
				notesPtr = &notes
			}
			return withBackend(logOut, func(ctx context.Context, cfg *config.Config, b *backend) error {
				app, err := resolveApplication(ctx, b.store.Applications, args[0])
				if err != nil {
					return err
				}
				m, err := openManager(ctx, cfg, b, flags)
				if err != nil {
					return err
				}
				if err := m.SetOutageStatus(ctx, app.ID, day, status, notesPtr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s-%02d %s\n", app.Name, m.Period(), day, m.OutageStatus(app.ID, day))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the outage")
	return cmd
}

func parseDay(s string) (int, error) {
	day, err := strconv.Atoi(s)
	if err != nil {
		return 0, model.NewInvalidRequestError(fmt.Sprintf("day must be a number: %q", s))
	}
	return day, nil
}

// ApplicationLookup はアプリケーションをIDまたは名前で探すためのリポジトリ操作。
type ApplicationLookup interface {
	FindByID(ctx context.Context, id string) (*model.Application, error)
	List(ctx context.Context) ([]*model.Application, error)
}

// resolveApplication はIDに一致するアプリケーション、なければ名前が一意に一致するものを返す。
func resolveApplication(ctx context.Context, apps ApplicationLookup, ref string) (*model.Application, error) {
	app, err := apps.FindByID(ctx, ref)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if app != nil {
		return app, nil
	}

	all, err := apps.List(ctx)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	var found *model.Application
	for _, a := range all {
		if !strings.EqualFold(a.Name, ref) {
			continue
		}
		if found != nil {
			return nil, model.NewInvalidRequestError(fmt.Sprintf("application name %q is ambiguous, use the id", ref))
		}
		found = a
	}
	if found == nil {
		return nil, model.NewApplicationNotFoundError(ref)
	}
	return found, nil
}

func releaseCmd(logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(CommandRelease),
		Short: "Manage releases",
	}
	cmd.AddCommand(releaseAddCmd(logOut))
	return cmd
}

func releaseAddCmd(logOut io.Writer) *cobra.Command {
	var (
		summary    string
		deployedAt string
		screenshot string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a release with an optional screenshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := release.AddInput{ChangeSummary: summary}
			if deployedAt != "" {
				t, err := time.Parse(time.RFC3339, deployedAt)
				if err != nil {
					return model.NewInvalidRequestError(fmt.Sprintf("deployed-at must be RFC3339: %v", err))
				}
				in.DeploymentTime = &t
			}
			if screenshot != "" {
				file, err := os.Open(screenshot)
				if err != nil {
					return fmt.Errorf("failed to open screenshot: %w", err)
				}
				defer file.Close()
				in.Screenshot = &release.Upload{FileName: screenshot, Body: file}
			}

			return withBackend(logOut, func(ctx context.Context, cfg *config.Config, b *backend) error {
				assets, err := release.NewFileAssetStore(cfg.AssetsDir, cfg.AssetMaxSize)
				if err != nil {
					return err
				}
				rel, err := release.NewService(b.store.Releases, assets, slog.Default()).Add(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "release %s recorded at %s\n", rel.ID, rel.DeploymentTime.Format(time.RFC3339))
				if rel.ScreenshotURL != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "screenshot %s\n", *rel.ScreenshotURL)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "change summary (required)")
	cmd.Flags().StringVar(&deployedAt, "deployed-at", "", "deployment time in RFC3339 (default: now)")
	cmd.Flags().StringVar(&screenshot, "screenshot", "", "path to a screenshot image")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}
