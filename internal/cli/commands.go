package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/auth"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/output"
	"github.com/colthorp/fitsync-go/internal/service"
)

func init() {
	rootCmd.AddCommand(todayCmd)
	rootCmd.AddCommand(dayCmd)
	rootCmd.AddCommand(weekCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(mcpCmd)

	// Add relative period commands
	for _, period := range []string{"yesterday", "this-week", "last-week", "this-month", "last-month", "last-7-days", "last-30-days"} {
		rootCmd.AddCommand(createRelativePeriodCmd(period))
	}

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	rangeCmd.Flags().IntP("parallel", "p", core.PrefetchMaxWorkers, "Max days to fetch in parallel")
	analyticsCmd.Flags().String("period", "last-30-days", "Named period (this-week, last-30-days, ...)")
	loginCmd.Flags().String("token", "", "Access token")
	loginCmd.Flags().String("refresh-token", "", "Refresh token")
	loginCmd.MarkFlagRequired("token")
}

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's nutrition progress",
	Args:  cobra.NoArgs,
	RunE:  handleToday,
}

var dayCmd = &cobra.Command{
	Use:   "day [date_spec]",
	Short: "Show one day (e.g. yesterday, d-3, 7/15, 2024-07-15)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  handleDay,
}

var weekCmd = &cobra.Command{
	Use:   "week [week_spec]",
	Short: "Show an ISO week (e.g. 28, 2024-W28); defaults to this week",
	Args:  cobra.MaximumNArgs(1),
	RunE:  handleWeek,
}

var rangeCmd = &cobra.Command{
	Use:   "range [start] [end]",
	Short: "Show every day between two date specs",
	Args:  cobra.ExactArgs(2),
	RunE:  handleRange,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep today's progress on screen, refreshing in the background",
	Args:  cobra.NoArgs,
	RunE:  handleWatch,
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics [kind]",
	Short: "Show an analytics series (calories, macros, weight, workouts)",
	Args:  cobra.ExactArgs(1),
	RunE:  handleAnalytics,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the analytics dashboard",
	Args:  cobra.NoArgs,
	RunE:  handleDashboard,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entries by status and type",
	Args:  cobra.NoArgs,
	RunE:  handleCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached entry",
	Args:  cobra.NoArgs,
	RunE:  handleCacheClear,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save credentials for later runs",
	Args:  cobra.NoArgs,
	RunE:  handleLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget saved credentials",
	Args:  cobra.NoArgs,
	RunE:  handleLogout,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI integration",
	Args:  cobra.NoArgs,
	RunE:  handleMCP,
}

func printDay(a *app, v service.View[api.DaySummary]) error {
	note(v)
	if raw {
		return output.PrintJSON(a.out, v.Value)
	}
	output.PrintDay(a.out, v.Value, a.unit)
	return nil
}

func handleToday(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.svc.TodaySummary(cmd.Context())
	if err != nil {
		return err
	}
	return printDay(a, v)
}

func handleDay(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	spec := ""
	if len(args) == 1 {
		spec = args[0]
	}
	d, err := core.ParseDateSpec(spec, a.loc)
	if err != nil {
		return err
	}
	core.ProgressPrint(fmt.Sprintf("Fetching day: %s", core.FormatDate(d)), quiet)

	v, err := a.svc.Day(cmd.Context(), d)
	if err != nil {
		return err
	}
	return printDay(a, v)
}

func handleWeek(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end := core.WeekOf(core.Today(a.loc))
	if len(args) == 1 {
		if start, end, err = core.ParseWeekSpec(args[0]); err != nil {
			return err
		}
	}
	core.ProgressPrint(fmt.Sprintf("Fetching week %s to %s", core.FormatDate(start), core.FormatDate(end)), quiet)

	v, err := a.svc.Week(cmd.Context(), start)
	if err != nil {
		return err
	}
	note(v)
	if raw {
		return output.PrintJSON(a.out, v.Value)
	}
	output.PrintWeek(a.out, v.Value)
	return nil
}

func handleRange(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start, err := core.ParseDateSpec(args[0], a.loc)
	if err != nil {
		return err
	}
	end, err := core.ParseDateSpec(args[1], a.loc)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("end must not be before start")
	}
	parallel, _ := cmd.Flags().GetInt("parallel")
	return streamDays(cmd.Context(), a, start, end, parallel)
}

// streamDays prefetches [start, end] concurrently, then prints the days in
// order from the warm cache.
func streamDays(ctx context.Context, a *app, start, end time.Time, parallel int) error {
	core.ProgressPrint(fmt.Sprintf("Processing days from %s to %s…", core.FormatDate(start), core.FormatDate(end)), quiet)
	if _, err := a.svc.PrefetchDays(ctx, start, end, parallel); err != nil {
		return err
	}

	days := make(chan api.DaySummary)
	errc := make(chan error, 1)
	go func() {
		defer close(days)
		for _, d := range core.DaysBetween(start, end) {
			v, err := a.svc.Day(ctx, d)
			if err != nil {
				errc <- err
				return
			}
			days <- v.Value
		}
		errc <- nil
	}()

	if raw {
		if err := output.StreamJSON(a.out, days); err != nil {
			return err
		}
	} else {
		for day := range days {
			output.PrintDay(a.out, day, a.unit)
			fmt.Fprintln(a.out)
		}
	}
	return <-errc
}

func createRelativePeriodCmd(period string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   period,
		Short: fmt.Sprintf("Show every day of %s", period),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleTimeRelative(cmd, period)
		},
	}
	cmd.Flags().IntP("parallel", "p", core.PrefetchMaxWorkers, "Max days to fetch in parallel")
	return cmd
}

func handleTimeRelative(cmd *cobra.Command, period string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end, err := core.GetDateRange(period, a.loc)
	if err != nil {
		return err
	}
	parallel, _ := cmd.Flags().GetInt("parallel")
	return streamDays(cmd.Context(), a, start, end, parallel)
}

func handleWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	unwatch := a.svc.WatchToday(ctx, func(v service.View[api.DaySummary]) {
		if err := printDay(a, v); err != nil {
			a.logger.Sugar().Warnf("render today: %v", err)
		}
		fmt.Fprintln(a.out)
	})
	defer unwatch()

	<-ctx.Done()
	return nil
}

func handleAnalytics(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	period, _ := cmd.Flags().GetString("period")
	start, end, err := core.GetDateRange(period, a.loc)
	if err != nil {
		return err
	}
	v, err := a.svc.Analytics(cmd.Context(), args[0], start, end)
	if err != nil {
		return err
	}
	note(v)
	if raw {
		return output.PrintJSON(a.out, v.Value)
	}
	output.PrintSeries(a.out, v.Value)
	return nil
}

func handleDashboard(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.svc.Dashboard(cmd.Context())
	if err != nil {
		return err
	}
	note(v)
	if raw {
		return output.PrintJSON(a.out, v.Value)
	}
	d := v.Value
	output.PrintDay(a.out, d.Today, a.unit)
	fmt.Fprintf(a.out, "\nStreak: %d days (longest %d)\n", d.Streak.Current, d.Streak.Longest)
	fmt.Fprintf(a.out, "Week average: %.0f kcal/day\n", d.WeekAverage.Calories)
	return nil
}

func handleCacheStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.Stats()
	if err != nil {
		return err
	}
	if raw {
		return output.PrintJSON(a.out, st)
	}
	fmt.Fprintf(a.out, "Entries: %d (pending writes: %d)\n", st.Entries, st.Pending)
	for _, name := range sortedKeys(st.ByStatus) {
		fmt.Fprintf(a.out, "  %-10s %d\n", name, st.ByStatus[name])
	}
	fmt.Fprintln(a.out, "By type:")
	for _, name := range sortedKeys(st.ByType) {
		fmt.Fprintf(a.out, "  %-18s %d\n", name, st.ByType[name])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func handleCacheClear(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.ClearCache(); err != nil {
		return err
	}
	core.ProgressPrint("Cache cleared.", quiet)
	return nil
}

func handleLogin(cmd *cobra.Command, args []string) error {
	access, _ := cmd.Flags().GetString("token")
	refresh, _ := cmd.Flags().GetString("refresh-token")

	s := auth.NewSession(nil, auth.NewFileStore(core.CredentialsPath()), nil)
	if err := s.Login(auth.Tokens{AccessToken: access, RefreshToken: refresh}); err != nil {
		return err
	}
	msg := "Logged in."
	if sub := s.Subject(); sub != "" {
		msg = fmt.Sprintf("Logged in as %s.", sub)
	}
	if exp, ok := s.ExpiresAt(); ok {
		msg += fmt.Sprintf(" Token expires %s.", exp.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func handleLogout(cmd *cobra.Command, args []string) error {
	s := auth.NewSession(nil, auth.NewFileStore(core.CredentialsPath()), nil)
	if err := s.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}

func handleMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return newMCPServer(a.svc, a.loc, os.Stdin, a.out).Run(cmd.Context())
}
