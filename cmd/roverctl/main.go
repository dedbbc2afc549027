// Command roverctl sends motion commands to roverd and prints the replies.
//
//	roverctl forward speed:0.5 stop
//	echo left | roverctl --addr rover.local:5555
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/rover-control/rover/internal/protocol"
)

type Options struct {
	Addr    string        `short:"a" long:"addr" env:"ROVER_ADDR" default:"127.0.0.1:5555" description:"Command server address"`
	Timeout time.Duration `short:"t" long:"timeout" default:"5s" description:"Per-command reply timeout"`
	JSON    bool          `long:"json" description:"Print raw JSON replies"`
	Args    struct {
		Commands []string `positional-arg-name:"command" description:"Commands to send; read from stdin when omitted"`
	} `positional-args:"yes"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "roverctl - send motion commands to a rover"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	failed, err := run(opts, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roverctl: %v\n", err)
		os.Exit(2)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// run sends every command in order and returns how many were rejected.
func run(opts Options, stdin io.Reader, out io.Writer) (int, error) {
	commands := opts.Args.Commands
	if len(commands) == 0 {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				commands = append(commands, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return 0, fmt.Errorf("failed to read commands: %w", err)
		}
	}
	if len(commands) == 0 {
		return 0, fmt.Errorf("no commands given")
	}

	ctx := context.Background()
	client, err := protocol.Dial(ctx, opts.Addr, opts.Timeout)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	failed := 0
	enc := json.NewEncoder(out)
	for _, cmd := range commands {
		reply, err := client.Send(ctx, cmd)
		if err != nil {
			return failed, err
		}
		if !reply.OK() {
			failed++
		}

		if opts.JSON {
			enc.Encode(reply)
			continue
		}
		if reply.OK() {
			fmt.Fprintf(out, "%-12s ok     speed=%.2f\n", reply.Command, reply.Speed)
		} else {
			fmt.Fprintf(out, "%-12s error  speed=%.2f  %s\n", reply.Command, reply.Speed, reply.Error)
		}
	}
	return failed, nil
}
