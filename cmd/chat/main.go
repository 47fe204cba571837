package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "MindPulse server URL")
	learner := flag.String("learner", "cli-learner", "Learner id")
	conv := flag.String("conversation", "", "Conversation id (random when empty)")
	persona := flag.String("persona", "", "Tutor persona: encouraging, socratic, practical or adaptive")
	flag.Parse()

	if *conv == "" {
		*conv = uuid.NewString()
	}

	fmt.Println("MindPulse Tutor CLI")
	fmt.Printf("Server: %s | Learner: %s | Conversation: %s\n", *server, *learner, *conv)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /persona <name>, /schedule, /stats")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case strings.HasPrefix(input, "/persona"):
			*persona = strings.TrimSpace(strings.TrimPrefix(input, "/persona"))
			fmt.Printf("persona set to %q\n", *persona)
		case input == "/schedule":
			fetchSchedule(*server, *learner)
		case input == "/stats":
			fetchStats(*server)
		default:
			sendMessage(*server, *learner, *conv, *persona, input)
		}
	}
}

func fetchSchedule(server, learner string) {
	resp, err := http.Get(server + "/api/learners/" + learner + "/schedule")
	if err != nil {
		printError("Failed to fetch schedule: %v", err)
		return
	}
	defer resp.Body.Close()

	var entries []struct {
		ConceptID    string    `json:"concept_id"`
		NextReviewAt time.Time `json:"next_review_at"`
		IntervalDays int       `json:"interval_days"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		printError("Failed to parse schedule: %v", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Nothing scheduled yet.")
		return
	}
	fmt.Println("Upcoming reviews:")
	for _, e := range entries {
		fmt.Printf("  %-24s %s (every %dd)\n", e.ConceptID, e.NextReviewAt.Local().Format(time.DateTime), e.IntervalDays)
	}
}

func fetchStats(server string) {
	resp, err := http.Get(server + "/api/gateway/stats")
	if err != nil {
		printError("Failed to fetch stats: %v", err)
		return
	}
	defer resp.Body.Close()

	var st struct {
		Accepted int64            `json:"accepted"`
		Rejected map[string]int64 `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		printError("Failed to parse stats: %v", err)
		return
	}
	fmt.Printf("Signals accepted: %d\n", st.Accepted)
	for reason, n := range st.Rejected {
		if n > 0 {
			fmt.Printf("  rejected %-16s %d\n", reason, n)
		}
	}
}

func sendMessage(server, learner, conv, persona, content string) {
	body, _ := json.Marshal(map[string]string{
		"conversation_id": conv,
		"learner_id":      learner,
		"message":         content,
		"persona":         persona,
	})
	req, _ := http.NewRequest(http.MethodPost, server+"/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			printError("Slow down, retry after %ss: %s", resp.Header.Get("Retry-After"), strings.TrimSpace(string(data)))
			return
		}
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			handleEvent(event, []byte(strings.TrimPrefix(line, "data: ")))
		}
	}
	if err := sc.Err(); err != nil {
		printError("\nStream interrupted: %v", err)
	}
}

func handleEvent(event string, data []byte) {
	switch event {
	case "delta":
		var d struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(data, &d) == nil {
			fmt.Print(d.Delta)
		}
	case "done":
		var r struct {
			Persona   string `json:"persona"`
			TokenCost int    `json:"token_cost"`
			Fallback  bool   `json:"fallback"`
			Truncated bool   `json:"truncated"`
		}
		if json.Unmarshal(data, &r) != nil {
			fmt.Println()
			return
		}
		var flags []string
		if r.Fallback {
			flags = append(flags, "fallback")
		}
		if r.Truncated {
			flags = append(flags, "truncated")
		}
		note := fmt.Sprintf("%s, %d tokens", r.Persona, r.TokenCost)
		if len(flags) > 0 {
			note += ", " + strings.Join(flags, ", ")
		}
		fmt.Printf("\n\033[36m[%s]\033[0m\n", note)
	case "error":
		printError("\n%s", string(data))
	}
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
