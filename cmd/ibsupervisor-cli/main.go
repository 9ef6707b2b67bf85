package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"

	"ibsupervisor/pkg/ibsupervisor"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ibsupervisor-cli [-addr host:port] <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  sessions                List supervised sessions\n")
		fmt.Fprintf(os.Stderr, "  exec <cmd> [json-args]  Send one command and print the reply\n")
		fmt.Fprintf(os.Stderr, "  watch                   Stream every reply and event\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}

	addr := flag.String("addr", envOr("IBSUPERVISOR_ADDR", "localhost:9090"), "supervisor gRPC address")
	brokerID := flag.String("broker-id", "", "target session for exec (default: parent session)")
	timeout := flag.Duration("timeout", 30*time.Second, "exec timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if flag.Arg(0) == "version" {
		fmt.Printf("ibsupervisor-cli %s\n", version)
		return
	}

	client, err := ibsupervisor.NewClient(*addr)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch flag.Arg(0) {
	case "sessions":
		err = listSessions(ctx, client, *timeout)
	case "exec":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(1)
		}
		err = execute(ctx, client, *timeout, *brokerID, flag.Arg(1), flag.Arg(2))
	case "watch":
		err = watch(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func listSessions(ctx context.Context, client *ibsupervisor.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := client.Execute(ctx, ibsupervisor.Command{Cmd: "get_existing_users"})
	if err != nil {
		return err
	}
	if msg := env.Err(); msg != "" {
		return fmt.Errorf("%s", msg)
	}

	users, _ := env.Message.Result["users"].([]any)
	if len(users) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Printf("%-20s %-6s %-8s %-18s %s\n", "BROKER_ID", "PORT", "PARENT", "STATE", "LOGGED_IN")
	for _, u := range users {
		info, ok := u.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%-20v %-6v %-8v %-18v ", info["broker_id"], info["port"], info["is_parent"], info["state"])
		if loggedIn, _ := info["logged_in"].(bool); loggedIn {
			green.Println("yes")
		} else {
			yellow.Println("no")
		}
	}
	return nil
}

// execute sends cmd. rawArgs is either a JSON array of positional args or
// a JSON object of keyword args.
func execute(ctx context.Context, client *ibsupervisor.Client, timeout time.Duration, brokerID, cmd, rawArgs string) error {
	command := ibsupervisor.Command{Cmd: cmd, BrokerID: brokerID}
	if rawArgs != "" {
		var v any
		if err := json.Unmarshal([]byte(rawArgs), &v); err != nil {
			return fmt.Errorf("parsing args: %w", err)
		}
		switch a := v.(type) {
		case []any:
			command.Args = a
		case map[string]any:
			command.Kwargs = a
		default:
			return fmt.Errorf("args must be a JSON array or object")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := client.Execute(ctx, command)
	if err != nil {
		return err
	}
	printEnvelope(env)
	return nil
}

func watch(ctx context.Context, client *ibsupervisor.Client) error {
	color.New(color.Faint).Println("watching, Ctrl-C to stop")
	err := client.Watch(ctx, printEnvelope)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEnvelope(env ibsupervisor.Envelope) {
	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)

	cyan.Printf("[%s] ", env.Type)
	dim.Printf("msg_id=%s\n", env.Message.MsgID)

	if msg := env.Err(); msg != "" {
		color.Red("  error: %s\n", msg)
		return
	}

	keys := make([]string, 0, len(env.Message.Result))
	for k := range env.Message.Result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, _ := json.Marshal(env.Message.Result[k])
		fmt.Printf("  %s: %s\n", k, data)
	}
}
