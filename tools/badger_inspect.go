// Command badger_inspect dumps the engine's persisted records (messages
// and presence statuses) as a table, read-only, while the engine runs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

type config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"/tmp/chat-relay"`
	// INSPECT_COLOURS enables colorized output for better readability
	Colours bool `envconfig:"INSPECT_COLOURS" default:"true"`
}

// diskMessage mirrors the repository's CBOR layout.
type diskMessage struct {
	ID       string `cbor:"1,keyasint"`
	RoomID   string `cbor:"2,keyasint"`
	SenderID string `cbor:"3,keyasint"`
	Content  string `cbor:"4,keyasint"`
	At       int64  `cbor:"5,keyasint"`
}

type diskStatus struct {
	Status    string `cbor:"1,keyasint"`
	Online    bool   `cbor:"2,keyasint"`
	UpdatedAt int64  `cbor:"3,keyasint"`
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal("Config error: ", err)
	}

	dbPath := flag.String("db", cfg.BadgerFilepath, "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan (msg: or status:)")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	header := fmt.Sprintf("  ====== %s (%s) ======", *dbPath, *prefix)
	if cfg.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	fmt.Println(header)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Timestamp", "Entity ID", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			rawKey := string(item.Key())

			// The msgid: entries are secondary index pointers, skip them
			if strings.HasPrefix(rawKey, "msgid:") {
				continue
			}

			err := item.Value(func(v []byte) error {
				table.Append(describe(rawKey, v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

// describe maps one record to a table row by key namespace.
func describe(rawKey string, v []byte) []string {
	switch {
	case strings.HasPrefix(rawKey, "msg:"):
		var msg diskMessage
		if err := cbor.Unmarshal(v, &msg); err != nil {
			return []string{rawKey, "MESSAGE", "", "", "Error: unmarshal failed"}
		}
		return []string{
			rawKey,
			"MESSAGE",
			time.Unix(0, msg.At).Format("15:04:05"),
			shortID(msg.ID),
			fmt.Sprintf("%s in %s: %s", msg.SenderID, msg.RoomID, msg.Content),
		}
	case strings.HasPrefix(rawKey, "status:"):
		var status diskStatus
		if err := cbor.Unmarshal(v, &status); err != nil {
			return []string{rawKey, "STATUS", "", "", "Error: unmarshal failed"}
		}
		return []string{
			rawKey,
			"STATUS",
			time.Unix(0, status.UpdatedAt).Format("15:04:05"),
			strings.TrimPrefix(rawKey, "status:"),
			fmt.Sprintf("%s (online=%t)", status.Status, status.Online),
		}
	default:
		return []string{rawKey, "RAW", "", "", fmt.Sprintf("%d bytes", len(v))}
	}
}

// shortID keeps the first 8 characters for readability.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	return badger.Open(opts)
}
