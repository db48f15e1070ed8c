// Command replay-snapshot rebuilds seat ledgers offline from a saved
// brokerage order history, the same way startup recovery does.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/orders"
	"longbridge-quant-bot/internal/recovery"
)

func main() {
	file := flag.String("file", "", "JSON array of brokerage orders")
	direction := flag.String("direction", "LONG", "seat direction: LONG or SHORT")
	symbol := flag.String("symbol", "", "only replay this symbol")
	asJSON := flag.Bool("json", false, "print the reconstructed seats as JSON")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: replay-snapshot -file orders.json [-direction LONG] [-symbol 700.HK] [-json]")
		os.Exit(2)
	}
	dir := strings.ToUpper(*direction)
	if !orders.IsValidDirection(dir) {
		fmt.Fprintf(os.Stderr, "invalid direction %q\n", *direction)
		os.Exit(2)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	var raws []broker.RawOrder
	if err := json.Unmarshal(data, &raws); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}

	states, errs := replay(raws, orders.Direction(dir), *symbol)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(states); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}
	for _, st := range states {
		printSeat(st)
	}
}

// replay parses raw orders and reconciles every symbol found as one seat
func replay(raws []broker.RawOrder, direction orders.Direction, only string) ([]recovery.SeatState, []error) {
	snaps, errs := broker.ParseOrderSnapshots(raws)

	bySymbol := make(map[string][]broker.OrderSnapshot)
	for _, s := range snaps {
		if only != "" && s.Symbol != only {
			continue
		}
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	states := make([]recovery.SeatState, 0, len(symbols))
	for _, sym := range symbols {
		seat := recovery.Seat{Symbol: sym, Direction: direction}
		states = append(states, recovery.ReconcileSeat(seat, bySymbol[sym]))
	}
	return states, errs
}

func printSeat(st recovery.SeatState) {
	var held int64
	for _, lot := range st.Lots {
		held += lot.Quantity
	}

	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("%s %s: %d lots, %d shares held\n", st.Seat.Symbol, st.Seat.Direction, len(st.Lots), held)
	fmt.Println(strings.Repeat("=", 72))

	for _, lot := range st.Lots {
		fmt.Printf("  lot %-36s %8d @ %-10.3f %s\n", lot.ID, lot.Quantity, lot.Price, lot.ExecutedAt.Format("2006-01-02 15:04:05"))
	}
	for _, c := range st.Claims {
		fmt.Printf("  claim by %s: %d shares over %d lots\n", c.SellOrderID, c.Quantity, len(c.LotIDs))
	}
	for _, o := range st.Active {
		fmt.Printf("  active %s %s %d/%d @ %.3f (%s)\n", o.Side, o.OrderID, o.ExecutedQuantity, o.Quantity, o.Price, o.Status)
	}
	if st.Unmatched > 0 {
		fmt.Printf("  WARNING: %d sold shares matched no recorded lot\n", st.Unmatched)
	}
	fmt.Println()
}
