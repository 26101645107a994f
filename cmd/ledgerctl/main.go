// ledgerctl is a thin operator CLI for the ledger HTTP API.
//
//	ledgerctl append --base URL --anchor ID --slot S --kind K [--payload JSON]
//	ledgerctl chain --base URL --anchor ID [--limit N]
//	ledgerctl verify --base URL --anchor ID
//	ledgerctl stats --base URL
//	ledgerctl checkpoint roll|latest|verify --base URL [--id CKPT]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const usage = "usage: ledgerctl append|chain|verify|stats|checkpoint ... (see ledgerctl <cmd> -h)"

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "append":
		runAppend(os.Args[2:])
	case "chain":
		runChain(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	default:
		fail(usage)
	}
}

func runAppend(args []string) {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	base := fs.String("base", "http://localhost:8090", "ledger base URL")
	anchor := fs.String("anchor", "", "anchor id")
	slot := fs.String("slot", "", "producer slot")
	kind := fs.String("kind", "", "record kind")
	payload := fs.String("payload", "{}", "payload JSON object")
	producer := fs.String("producer", "ledgerctl", "producer tag")
	version := fs.String("version", "", "producer version")
	_ = fs.Parse(args)
	if *anchor == "" || *slot == "" || *kind == "" {
		fail("append: --anchor, --slot and --kind are required")
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(*payload), &p); err != nil {
		fail("append: --payload is not a JSON object: " + err.Error())
	}
	body := map[string]any{
		"anchor_id": *anchor, "slot": *slot, "kind": *kind,
		"payload": p, "producer": *producer, "version": *version,
	}
	do("POST", *base+"/ledger/append", body)
}

func runChain(args []string) {
	fs := flag.NewFlagSet("chain", flag.ExitOnError)
	base := fs.String("base", "http://localhost:8090", "ledger base URL")
	anchor := fs.String("anchor", "", "anchor id")
	limit := fs.Int("limit", 0, "max records")
	_ = fs.Parse(args)
	if *anchor == "" {
		fail("chain: --anchor is required")
	}
	url := *base + "/ledger/chain/" + *anchor
	if *limit > 0 {
		url += fmt.Sprintf("?limit=%d", *limit)
	}
	do("GET", url, nil)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	base := fs.String("base", "http://localhost:8090", "ledger base URL")
	anchor := fs.String("anchor", "", "anchor id")
	_ = fs.Parse(args)
	if *anchor == "" {
		fail("verify: --anchor is required")
	}
	do("POST", *base+"/ledger/verify/"+*anchor, nil)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	base := fs.String("base", "http://localhost:8090", "ledger base URL")
	_ = fs.Parse(args)
	do("GET", *base+"/ledger/stats", nil)
}

func runCheckpoint(args []string) {
	if len(args) < 1 {
		fail("usage: ledgerctl checkpoint roll|latest|verify ...")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("checkpoint "+sub, flag.ExitOnError)
	base := fs.String("base", "http://localhost:8090", "ledger base URL")
	id := fs.String("id", "", "checkpoint id")
	startTs := fs.String("start-ts", "", "roll range start (RFC3339)")
	endTs := fs.String("end-ts", "", "roll range end (RFC3339)")
	_ = fs.Parse(rest)

	switch sub {
	case "roll":
		body := map[string]any{}
		if *startTs != "" {
			body["start_ts"] = *startTs
		}
		if *endTs != "" {
			body["end_ts"] = *endTs
		}
		do("POST", *base+"/ledger/checkpoints/roll", body)
	case "latest":
		do("GET", *base+"/ledger/checkpoints/latest", nil)
	case "verify":
		if *id == "" {
			fail("checkpoint verify: --id is required")
		}
		do("POST", *base+"/ledger/checkpoints/"+*id+"/verify", nil)
	default:
		fail("usage: ledgerctl checkpoint roll|latest|verify ...")
	}
}

func do(method, url string, body any) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fail(err.Error())
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fail(err.Error())
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail(err.Error())
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err.Error())
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(out))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
