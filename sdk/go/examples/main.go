// Command examples streams one query against a running maxagentd and prints each event.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Lewis121025/MAX-AI/sdk/go/maxagent"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "service base url")
	query := flag.String("q", "计算 (3 + 5) * 2", "query to send")
	flag.Parse()

	client, err := maxagent.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := client.Chat(ctx, maxagent.ChatRequest{Query: *query})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer s.Close()

	answer, err := maxagent.Collect(s, func(ev maxagent.Event) {
		fmt.Printf("[%d] %s %v\n", ev.Seq, ev.Node, ev.Data)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("\nsession %s\n%s\n", answer.SessionID, answer.Text)
}
