package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"postq/internal/app"
	"postq/internal/post"
	"postq/internal/store"
)

const usage = `usage: postq [-config path] <command> [args]

commands:
  run                          run the continuous scheduler
  add -content ... -to a,b ... schedule a post (-now | -at | -every | -days)
  list [-state s]              list posts
  status <id>                  show a post and its delivery attempts
  cancel <id>                  cancel a scheduled post or recurring definition
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cmdErr error
	switch args[0] {
	case "run":
		cmdErr = runLoop(ctx, a)
	case "add":
		cmdErr = runAdd(ctx, a, args[1:])
	case "list":
		cmdErr = runList(ctx, a, args[1:])
	case "status":
		cmdErr = runStatus(ctx, a, args[1:])
	case "cancel":
		cmdErr = runCancel(ctx, a, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}

	a.Stop(context.Background())
	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "error:", cmdErr)
		os.Exit(1)
	}
}

func runLoop(ctx context.Context, a *app.App) error {
	events, unsub := a.Bus().Subscribe(64)
	defer unsub()

	a.Start(ctx)

	counts := map[string]int{}
	for {
		select {
		case e := <-events:
			counts[e.Type]++
		case <-ctx.Done():
			if len(counts) > 0 {
				keys := make([]string, 0, len(counts))
				for k := range counts {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(os.Stderr, "session digest:")
				for _, k := range keys {
					fmt.Fprintf(os.Stderr, "  %-20s %d\n", k, counts[k])
				}
			}
			return nil
		}
	}
}

func runAdd(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	content := fs.String("content", "", "post text")
	to := fs.String("to", "", "comma-separated destination ids")
	now := fs.Bool("now", false, "post immediately")
	at := fs.String("at", "", "due time (RFC3339 or '2006-01-02 15:04')")
	every := fs.String("every", "", "recurring interval (e.g. 60m, 24h)")
	days := fs.String("days", "", "recurring weekdays (e.g. mon,wed,fri)")
	tod := fs.String("time", "", "time(s) of day for -days (e.g. 09:30 or 09:30,18:00)")
	start := fs.String("start", "", "recurrence start (default now)")
	until := fs.String("until", "", "recurrence end")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*content) == "" {
		return errors.New("-content is required")
	}
	var dests []string
	for _, d := range strings.Split(*to, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dests = append(dests, d)
		}
	}

	sched := app.Schedule{Now: *now}
	if *at != "" {
		t, err := parseTime(*at)
		if err != nil {
			return err
		}
		sched.At = t
	}
	switch {
	case *every != "" && *days != "":
		return errors.New("use either -every or -days, not both")
	case *every != "":
		sched.Rule = "every:" + *every
	case *days != "":
		if *tod == "" {
			return errors.New("-days needs -time")
		}
		sched.Rule = "days:" + *days + "@" + *tod
	}
	if *start != "" {
		t, err := parseTime(*start)
		if err != nil {
			return err
		}
		sched.Start = t
	}
	if *until != "" {
		t, err := parseTime(*until)
		if err != nil {
			return err
		}
		sched.End = t
	}

	id, err := a.CreatePost(ctx, *content, dests, sched)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runList(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	state := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	posts, err := a.ListPosts(ctx, store.Filter{State: post.State(*state), Limit: *limit})
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		fmt.Println("no posts")
		return nil
	}
	for _, p := range posts {
		due := "-"
		if !p.DueAt.IsZero() {
			due = p.DueAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-20s  due=%s  %s\n", p.ID, p.State, due, truncate(p.Content, 48))
	}
	return nil
}

func runStatus(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: postq status <id>")
	}
	p, attempts, err := a.PostStatus(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("id:      %s\nstate:   %s\ncontent: %s\ndests:   %s\n",
		p.ID, p.State, truncate(p.Content, 72), strings.Join(p.Destinations, ", "))
	if !p.DueAt.IsZero() {
		fmt.Printf("due:     %s\n", p.DueAt.Format(time.RFC3339))
	}
	if len(attempts) > 0 {
		fmt.Println("attempts:")
		for _, at := range attempts {
			detail := at.ExternalID
			if at.Reason != "" {
				detail = at.Reason
			}
			fmt.Printf("  %-16s #%d  %-18s  %s  %s\n",
				at.Destination, at.AttemptNumber, at.Outcome,
				at.AttemptedAt.Format("2006-01-02 15:04:05"), truncate(detail, 60))
		}
	}
	return nil
}

func runCancel(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: postq cancel <id>")
	}
	err := a.CancelPost(ctx, args[0])
	switch {
	case err == nil:
		fmt.Println("cancelled")
		return nil
	case errors.Is(err, store.ErrDispatchInProgress):
		return errors.New("dispatch already in progress; not cancelled")
	case errors.Is(err, store.ErrAlreadyTerminal):
		return errors.New("post already finished; nothing to cancel")
	default:
		return err
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (use RFC3339 or '2006-01-02 15:04')", s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
