package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(v)
			}
		} else {
			for k, v := range data {
				fmt.Printf("%s=%v\n", k, v)
			}
		}
	default: // table
		printTable(data)
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					for _, kk := range sortedKeys(m) {
						fmt.Fprintf(w, "  [%d] %s\t%v\n", i, kk, m[kk])
					}
				} else {
					fmt.Fprintf(w, "  [%d]\t%v\n", i, item)
				}
			}
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}
