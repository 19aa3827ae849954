// corvusctl is an interactive REPL over the embedded engine.
//
// Usage:
//
//	corvusctl <file.db>
//	corvusctl                  (temp file, removed on exit)
//
// Special commands (prefixed by .):
//
//	.help       show help
//	.tables     list tables
//	.vacuum <path>  rebuild into a fresh file at path
//	.quit / .exit
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/corvusdb/corvus/config"
	"github.com/corvusdb/corvus/db"
)

const version = "0.1.0"

func main() {
	fmt.Printf("corvusctl v%s\n", version)
	fmt.Println("Type .help for help, .quit to exit.")
	fmt.Println()

	dbPath := ""
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	var actualPath string
	if dbPath == "" {
		f, err := os.CreateTemp("", "corvus_*.db")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		actualPath = f.Name()
		f.Close()
		defer os.Remove(actualPath)
		fmt.Println("temporary database (removed on exit)")
	} else {
		actualPath = dbPath
		fmt.Printf("database: %s\n", actualPath)
	}

	d, err := db.OpenDB(actualPath, config.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer db.CloseDB(d)

	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var accum strings.Builder
	for {
		if accum.Len() == 0 {
			fmt.Print("corvus> ")
		} else {
			fmt.Print("   ...> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" && accum.Len() == 0 {
			continue
		}
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		if accum.Len() == 0 && strings.HasPrefix(trimmed, ".") {
			if handleCommand(d, trimmed) {
				break
			}
			continue
		}

		if accum.Len() > 0 {
			accum.WriteByte(' ')
		}
		accum.WriteString(trimmed)

		if strings.HasSuffix(trimmed, ";") {
			text := strings.TrimSuffix(strings.TrimSpace(accum.String()), ";")
			accum.Reset()
			executeQuery(d, text)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read error: %v\n", err)
	}
}

func handleCommand(d *db.DB, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit":
		fmt.Println("bye.")
		return true

	case ".help":
		printHelp()

	case ".tables":
		tables := d.Tables()
		if len(tables) == 0 {
			fmt.Println("  (no tables)")
		} else {
			for _, t := range tables {
				fmt.Printf("  %s\n", t)
			}
		}

	case ".vacuum":
		if len(parts) < 2 {
			fmt.Println("  usage: .vacuum <dest-path>")
			break
		}
		if _, err := d.ExecSQL(fmt.Sprintf("VACUUM INTO '%s'", parts[1])); err != nil {
			fmt.Printf("  vacuum error: %v\n", err)
		} else {
			fmt.Printf("  vacuumed into %s\n", parts[1])
		}

	case ".checkpoint":
		if err := db.CheckpointDB(d); err != nil {
			fmt.Printf("  checkpoint error: %v\n", err)
		} else {
			fmt.Println("  checkpoint complete")
		}

	case ".dump":
		dumpTables(d)

	case ".version":
		fmt.Printf("  corvusctl v%s\n", version)

	default:
		fmt.Printf("  unknown command: %s (type .help)\n", parts[0])
	}

	return false
}

func printHelp() {
	fmt.Println(`SQL:
  CREATE TABLE name (col type [PRIMARY KEY] [NOT NULL] [UNIQUE] [REFERENCES t(c)], ...)
  CREATE [UNIQUE] INDEX name ON table(col) [USING TRIGRAM]
  CREATE VIEW name AS SELECT ...
  INSERT INTO table [(cols)] VALUES (...), (...)
  SELECT cols FROM table [WHERE ...] [ORDER BY col [ASC|DESC]] [LIMIT n]
  UPDATE table SET col=val[,...] [WHERE ...]
  DELETE FROM table [WHERE ...]
  BEGIN / COMMIT / ROLLBACK
  VACUUM INTO 'path'

WHERE operators: =, !=, <>, <, >, <=, >=, LIKE

Special commands:
  .tables         list tables
  .vacuum <path>  rebuild into a fresh file
  .checkpoint     force a WAL checkpoint now
  .dump           print every table's rows
  .version        show version
  .help           this text
  .quit           exit`)
}

func executeQuery(d *db.DB, query string) {
	rows, err := d.ExecSQL(query)
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	if rows == nil {
		fmt.Println("  OK")
		return
	}
	if len(rows) == 0 {
		fmt.Println("  (no rows)")
		return
	}
	for _, r := range rows {
		fmt.Printf("  %s\n", r)
	}
	fmt.Printf("  --- %d row(s)\n", len(rows))
}

func dumpTables(d *db.DB) {
	for _, t := range d.Tables() {
		fmt.Printf("-- %s\n", t)
		rows, err := d.ExecSQL(fmt.Sprintf("SELECT * FROM %s", t))
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			continue
		}
		for _, r := range rows {
			fmt.Printf("  %s\n", r)
		}
	}
}
