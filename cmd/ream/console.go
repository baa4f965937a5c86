package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/runtime"
)

var consoleCommand = cli.Command{
	Name:  "console",
	Usage: "interactive REPL for inspecting and driving a REAM node in-process",
	Action: func(c *cli.Context) error {
		cfg := loadConfig(c)
		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		rt.Start(context.Background())
		defer rt.Stop()
		return runConsole(rt)
	},
}

func runConsole(rt *runtime.Runtime) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := os.ExpandEnv("$HOME/.ream_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("ream console — type 'help' for commands, 'exit' to quit")
	for {
		input, err := line.Prompt("ream> ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("commands: terminate <pid> [reason], help, exit")
		case "terminate":
			if len(fields) < 2 {
				fmt.Println("usage: terminate <pid> [reason]")
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				fmt.Println("bad pid:", err)
				continue
			}
			reason := "terminated from console"
			if len(fields) > 2 {
				reason = strings.Join(fields[2:], " ")
			}
			rt.Terminate(pid.PID(id), reason)
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
