package run

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/config"
	"github.com/botlabs-gg/gamesched/games"
	"github.com/mitchellh/cli"
	log "github.com/sirupsen/logrus"
)

// Commands returns the commands of the gamesched binary
func Commands() map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"daemon":        StaticFactory(&DaemonCommand{}),
		"consumer":      StaticFactory(&ConsumerCommand{}),
		"all":           StaticFactory(&AllCommand{}),
		"game create":   StaticFactory(&GameCreateCommand{}),
		"game cancel":   StaticFactory(&GameCancelCommand{}),
		"game delete":   StaticFactory(&GameDeleteCommand{}),
		"game capacity": StaticFactory(&GameCapacityCommand{}),
		"game join":     StaticFactory(&GameJoinCommand{}),
		"game leave":    StaticFactory(&GameLeaveCommand{}),
		"status":        StaticFactory(&StatusCommand{}),
		"config set":    StaticFactory(&ConfigSetCommand{}),
		"genconfigdocs": StaticFactory(&GenConfigDocsCommand{}),
		"version":       StaticFactory(&VersionCommand{}),
	}
}

func StaticFactory(cmd cli.Command) cli.CommandFactory {
	return func() (cli.Command, error) {
		return cmd, nil
	}
}

// parse registers the shared options on a new flag set and parses args with it
func parse(name string, args []string, extra func(fs *flag.FlagSet)) (*Options, *flag.FlagSet, error) {
	o := &Options{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	o.register(fs)
	if extra != nil {
		extra(fs)
	}

	err := fs.Parse(args)
	return o, fs, err
}

type DaemonCommand struct{}

func (c *DaemonCommand) Synopsis() string {
	return "runs the schedule daemon for a kind, usage: daemon [options] reminders|transitions|promotions"
}

func (c *DaemonCommand) Help() string {
	return c.Synopsis() + "\n\nThe daemon publishes due schedule entries and reprocesses the kind's dead letter queue.\n" +
		"Pass -cleanup to also delete old executed entries, one process in the deployment should do that."
}

func (c *DaemonCommand) Run(args []string) int {
	var cleanup bool
	o, fs, err := parse("daemon", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&cleanup, "cleanup", false, "Also run the executed entry cleanup")
	})
	if err != nil {
		return 1
	}

	kind, err := lookupKind(fs.Arg(0))
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	w := newWiring()
	if err = w.registerDaemon(kind); err != nil {
		log.WithError(err).Error("Failed setting up daemon")
		return 1
	}

	if cleanup {
		w.registerCleaner()
	}

	return runWorkers(o, w)
}

type ConsumerCommand struct{}

func (c *ConsumerCommand) Synopsis() string {
	return "consumes the events of a kind, usage: consumer [options] reminders|transitions|promotions"
}

func (c *ConsumerCommand) Help() string {
	return c.Synopsis()
}

func (c *ConsumerCommand) Run(args []string) int {
	o, fs, err := parse("consumer", args, nil)
	if err != nil {
		return 1
	}

	kind, err := lookupKind(fs.Arg(0))
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	w := newWiring()
	w.registerConsumer(kind)
	return runWorkers(o, w)
}

type AllCommand struct{}

func (c *AllCommand) Synopsis() string {
	return "runs the daemons and consumers of every kind, and the cleanup, in one process"
}

func (c *AllCommand) Help() string {
	return c.Synopsis()
}

func (c *AllCommand) Run(args []string) int {
	o, _, err := parse("all", args, nil)
	if err != nil {
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	names := make([]string, 0, len(Kinds))
	for k := range Kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	w := newWiring()
	for _, name := range names {
		if err := w.registerDaemon(Kinds[name]); err != nil {
			log.WithError(err).Error("Failed setting up daemon")
			return 1
		}
		w.registerConsumer(Kinds[name])
	}
	w.registerCleaner()

	return runWorkers(o, w)
}

// gameCommand runs fn against an initialized games service
func gameCommand(name string, args []string, extra func(fs *flag.FlagSet), fn func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error) int {
	o, fs, err := parse(name, args, extra)
	if err != nil {
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	w := newWiring()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err = fn(ctx, w.service(), fs); err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	return 0
}

func parseIDs(fs *flag.FlagSet, n int) ([]int64, error) {
	if fs.NArg() < n {
		return nil, fmt.Errorf("expected %d arguments", n)
	}

	result := make([]int64, n)
	for i := 0; i < n; i++ {
		id, err := strconv.ParseInt(fs.Arg(i), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", fs.Arg(i))
		}
		result[i] = id
	}

	return result, nil
}

func parseMinutes(in string) ([]int64, error) {
	result := []int64{}
	if strings.TrimSpace(in) == "" {
		return result, nil
	}

	for _, v := range strings.Split(in, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid reminder offset %q", v)
		}
		result = append(result, n)
	}

	return result, nil
}

type GameCreateCommand struct{}

func (c *GameCreateCommand) Synopsis() string {
	return "creates a game and schedules its reminders and status changes"
}

func (c *GameCreateCommand) Help() string {
	return c.Synopsis() + ", usage: game create -title \"Raid night\" -at 2026-03-01T20:00:00Z [-duration 2h] [-max 5] [-reminders 60,15]"
}

func (c *GameCreateCommand) Run(args []string) int {
	g := &games.Game{}
	var at, reminders string
	var duration time.Duration

	return gameCommand("game create", args, func(fs *flag.FlagSet) {
		fs.StringVar(&g.Title, "title", "", "Title of the game")
		fs.StringVar(&at, "at", "", "Start time, RFC3339")
		fs.DurationVar(&duration, "duration", games.DefaultDuration, "Expected duration")
		fs.IntVar(&g.MaxPlayers, "max", 0, "Max players, 0 for no limit")
		fs.StringVar(&reminders, "reminders", "60,15", "Comma separated reminder offsets in minutes")
		fs.Int64Var(&g.GuildID, "guild", 0, "Guild the game belongs to")
		fs.Int64Var(&g.ChannelID, "channel", 0, "Channel the game is announced in")
		fs.Int64Var(&g.HostID, "host", 0, "User hosting the game")
	}, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		startsAt, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid start time: %w", err)
		}
		g.ScheduledAt = startsAt
		g.DurationSeconds = int64(duration / time.Second)

		g.ReminderMinutes, err = parseMinutes(reminders)
		if err != nil {
			return err
		}

		if err = s.CreateGame(ctx, g); err != nil {
			return err
		}

		fmt.Println("created game", g.ID)
		return nil
	})
}

type GameCancelCommand struct{}

func (c *GameCancelCommand) Synopsis() string {
	return "cancels a game, usage: game cancel game-id"
}

func (c *GameCancelCommand) Help() string {
	return c.Synopsis()
}

func (c *GameCancelCommand) Run(args []string) int {
	return gameCommand("game cancel", args, nil, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		ids, err := parseIDs(fs, 1)
		if err != nil {
			return err
		}

		return s.CancelGame(ctx, ids[0])
	})
}

type GameDeleteCommand struct{}

func (c *GameDeleteCommand) Synopsis() string {
	return "deletes a game with its participants and schedule, usage: game delete game-id"
}

func (c *GameDeleteCommand) Help() string {
	return c.Synopsis()
}

func (c *GameDeleteCommand) Run(args []string) int {
	return gameCommand("game delete", args, nil, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		ids, err := parseIDs(fs, 1)
		if err != nil {
			return err
		}

		return s.DeleteGame(ctx, ids[0])
	})
}

type GameCapacityCommand struct{}

func (c *GameCapacityCommand) Synopsis() string {
	return "changes the max players of a game, usage: game capacity game-id max-players"
}

func (c *GameCapacityCommand) Help() string {
	return c.Synopsis()
}

func (c *GameCapacityCommand) Run(args []string) int {
	return gameCommand("game capacity", args, nil, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		ids, err := parseIDs(fs, 2)
		if err != nil {
			return err
		}

		return s.SetCapacity(ctx, ids[0], int(ids[1]))
	})
}

type GameJoinCommand struct{}

func (c *GameJoinCommand) Synopsis() string {
	return "adds a user to a game, usage: game join game-id user-id, or game join -placeholder name game-id"
}

func (c *GameJoinCommand) Help() string {
	return c.Synopsis()
}

func (c *GameJoinCommand) Run(args []string) int {
	var placeholder string
	return gameCommand("game join", args, func(fs *flag.FlagSet) {
		fs.StringVar(&placeholder, "placeholder", "", "Reserve a slot under this name instead of adding a user")
	}, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		if placeholder != "" {
			ids, err := parseIDs(fs, 1)
			if err != nil {
				return err
			}

			p, err := s.AddPlaceholder(ctx, ids[0], placeholder, true)
			if err != nil {
				return err
			}

			fmt.Println("added placeholder", p.ID)
			return nil
		}

		ids, err := parseIDs(fs, 2)
		if err != nil {
			return err
		}

		p, err := s.Join(ctx, ids[0], ids[1])
		if err != nil {
			return err
		}

		fmt.Printf("added participant %d (%s)\n", p.ID, p.Status)
		return nil
	})
}

type GameLeaveCommand struct{}

func (c *GameLeaveCommand) Synopsis() string {
	return "drops a participant from a game, usage: game leave game-id participant-id"
}

func (c *GameLeaveCommand) Help() string {
	return c.Synopsis()
}

func (c *GameLeaveCommand) Run(args []string) int {
	return gameCommand("game leave", args, nil, func(ctx context.Context, s *games.Service, fs *flag.FlagSet) error {
		ids, err := parseIDs(fs, 2)
		if err != nil {
			return err
		}

		return s.RemoveParticipant(ctx, ids[0], ids[1])
	})
}

type StatusCommand struct{}

func (c *StatusCommand) Synopsis() string {
	return "lists the running gamesched processes and their components"
}

func (c *StatusCommand) Help() string {
	return c.Synopsis() + ", requires redis"
}

func (c *StatusCommand) Run(args []string) int {
	o, _, err := parse("status", args, nil)
	if err != nil {
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	if common.RedisPool == nil {
		fmt.Println("Error: no redis configured")
		return 1
	}

	hosts, err := common.GetActiveServiceHosts(common.RedisPool)
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	PrintServiceHosts(os.Stdout, hosts)
	return 0
}

// PrintServiceHosts writes one line per component, grouped by process
func PrintServiceHosts(w io.Writer, hosts []*common.ServiceHost) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Host != hosts[j].Host {
			return hosts[i].Host < hosts[j].Host
		}
		return hosts[i].PID < hosts[j].PID
	})

	for _, h := range hosts {
		fmt.Fprintf(w, "%s (pid %d, node %q, v%s)\n", h.Host, h.PID, h.NodeID, h.Version)
		for _, s := range h.Services {
			line := fmt.Sprintf("  %s %s", s.Type, s.Name)
			if s.State != "" {
				line += " [" + s.State + "]"
			}
			fmt.Fprintln(w, line)
		}
	}
}

type ConfigSetCommand struct{}

func (c *ConfigSetCommand) Synopsis() string {
	return "stores a config override in redis, usage: config set gamesched.option value"
}

func (c *ConfigSetCommand) Help() string {
	return c.Synopsis() + "\n\nRedis overrides take precedence over the environment, running processes pick them up on restart."
}

func (c *ConfigSetCommand) Run(args []string) int {
	o, fs, err := parse("config set", args, nil)
	if err != nil {
		return 1
	}

	if fs.NArg() != 2 {
		fmt.Println(c.Help())
		return 1
	}

	key := fs.Arg(0)
	if _, ok := config.Singleton.Options[key]; !ok {
		fmt.Printf("Error: unknown option %q\n", key)
		return 1
	}

	if err = Init(o); err != nil {
		log.WithError(err).Error("Failed initializing")
		return 1
	}

	if common.RedisPool == nil {
		fmt.Println("Error: no redis configured")
		return 1
	}

	store := &config.RedisConfigStore{Pool: common.RedisPool}
	if err = store.SaveValue(key, fs.Arg(1)); err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	return 0
}

type GenConfigDocsCommand struct{}

func (c *GenConfigDocsCommand) Synopsis() string {
	return "prints the documentation of every config option"
}

func (c *GenConfigDocsCommand) Help() string {
	return c.Synopsis()
}

func (c *GenConfigDocsCommand) Run(args []string) int {
	if err := GenConfigDocs(os.Stdout); err != nil {
		fmt.Println("Error: ", err)
		return 1
	}

	return 0
}

type VersionCommand struct{}

func (c *VersionCommand) Synopsis() string {
	return "prints the version"
}

func (c *VersionCommand) Help() string {
	return c.Synopsis()
}

func (c *VersionCommand) Run(args []string) int {
	fmt.Println(common.VERSION)
	return 0
}
