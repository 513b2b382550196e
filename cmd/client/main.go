package main

import (
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
)

type programRunner interface {
	Run() (tea.Model, error)
	Send(msg tea.Msg)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

func defaultProgram(model tea.Model, options ...tea.ProgramOption) programRunner {
	return tea.NewProgram(model, options...)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer, newProgram programFactory) *cli.App {
	if newProgram == nil {
		newProgram = defaultProgram
	}
	serverFlag := &cli.StringFlag{
		Name:    "server",
		Value:   "http://localhost:8080",
		Usage:   "chatsync server URL",
		EnvVars: []string{"CHATSYNC_SERVER"},
	}
	userFlag := &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "username",
		Required: true,
		EnvVars:  []string{"CHATSYNC_USER"},
	}
	passwordFlag := &cli.StringFlag{
		Name:     "password",
		Usage:    "password",
		Required: true,
		EnvVars:  []string{"CHATSYNC_PASSWORD"},
	}
	logFileFlag := &cli.StringFlag{
		Name:  "log-file",
		Usage: "write client logs to this file",
	}

	return &cli.App{
		Name:      "chatsync",
		Usage:     "terminal client for chatsync",
		Reader:    stdin,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "create an account",
				Flags: []cli.Flag{serverFlag, userFlag, passwordFlag},
				Action: func(c *cli.Context) error {
					return runRegister(c.Context, c.App.Writer, c.String("server"), c.String("user"), c.String("password"))
				},
			},
			{
				Name:  "unread",
				Usage: "print unread counts",
				Flags: []cli.Flag{serverFlag, userFlag, passwordFlag},
				Action: func(c *cli.Context) error {
					return runUnread(c.Context, c.App.Writer, c.String("server"), c.String("user"), c.String("password"))
				},
			},
			{
				Name:  "chat",
				Usage: "open a conversation or group",
				Flags: []cli.Flag{
					serverFlag, userFlag, passwordFlag, logFileFlag,
					&cli.StringFlag{Name: "peer", Usage: "username to chat with"},
					&cli.StringFlag{Name: "group", Usage: "group id to chat in"},
					&cli.StringFlag{Name: "mode", Value: "long-poll", Usage: "long-poll, push or interval"},
					&cli.DurationFlag{Name: "interval", Value: 2 * time.Second, Usage: "pull interval for interval mode"},
					&cli.DurationFlag{
						Name:    "poll-wait",
						Value:   60 * time.Second,
						Usage:   "how long a long poll may stay open; keep above the server poll timeout",
						EnvVars: []string{"CHATSYNC_POLL_WAIT"},
					},
					&cli.BoolFlag{Name: "obfuscate", Usage: "obfuscate outgoing message content"},
				},
				Action: func(c *cli.Context) error {
					opts, err := chatOptionsFrom(c)
					if err != nil {
						return err
					}
					return runChat(c.Context, opts, stdin, stdout, newProgram)
				},
			},
		},
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, newProgram programFactory) error {
	app := newApp(stdin, stdout, stderr, newProgram)
	return app.Run(append([]string{"chatsync"}, args...))
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
