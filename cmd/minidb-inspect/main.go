// Package main implements minidb-inspect, a read-only console tool for
// examining minidb files: the header, the table metadata region, and,
// given a schema descriptor, the records themselves.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"minidb/codec"
	"minidb/logger"
	"minidb/schema"
	"minidb/storage"
)

func main() {
	logger.Configure()

	rootCmd := &cobra.Command{
		Use:   "minidb-inspect",
		Short: "Inspect minidb data files",
	}

	rootCmd.AddCommand(headerCmd())
	rootCmd.AddCommand(tablesCmd())
	rootCmd.AddCommand(dumpCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func headerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header <file>",
		Short: "Show the file header",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			header, _, err := storage.Inspect(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("magic:       %s\n", storage.Magic)
			fmt.Printf("version:     %d\n", header.Version)
			fmt.Printf("table count: %d\n", header.TableCount)
			return nil
		},
	}
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables <file>",
		Short: "List table metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			_, metas, err := storage.Inspect(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%-32s %10s %10s %12s\n", "NAME", "RECORDS", "WIDTH", "DATA START")
			for _, tm := range metas {
				fmt.Printf("%-32s %10d %10d %12d\n", tm.Name, tm.RecordCount, tm.RecordWidth, tm.DataStart)
			}
			return nil
		},
	}
}

// schemaFile is the YAML descriptor for dump: per-table ordered field
// declarations, since the tool has no Go entity types to reflect over.
//
//	Users:
//	  - name: Name
//	    kind: string
//	    maxlen: 50
//	  - name: Age
//	    kind: int32
//	  - name: Deactivated
//	    kind: datetime
//	    nullable: true
type schemaFile map[string][]schemaField

type schemaField struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable"`
	MaxLen   int    `yaml:"maxlen"`
}

func dumpCmd() *cobra.Command {
	var schemaPath string
	var tableName string
	var showDeleted bool

	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Decode and print a table's records",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDump(args[0], schemaPath, tableName, showDeleted)
		},
	}
	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "YAML schema descriptor (required)")
	cmd.Flags().StringVarP(&tableName, "table", "t", "", "Table to dump (required)")
	cmd.Flags().BoolVar(&showDeleted, "deleted", false, "Include tombstoned slots")
	cmd.MarkFlagRequired("schema")
	cmd.MarkFlagRequired("table")
	return cmd
}

func runDump(path, schemaPath, tableName string, showDeleted bool) error {
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	declared, ok := sf[tableName]
	if !ok {
		return fmt.Errorf("schema file does not declare table %q", tableName)
	}
	meta, err := dynamicMeta(declared)
	if err != nil {
		return err
	}

	_, metas, err := storage.Inspect(path)
	if err != nil {
		return err
	}
	var tm *storage.TableMeta
	for i := range metas {
		if metas[i].Name == tableName {
			tm = &metas[i]
			break
		}
	}
	if tm == nil {
		return fmt.Errorf("file has no table %q", tableName)
	}
	if int32(meta.RecordWidth) != tm.RecordWidth {
		return fmt.Errorf("declared record width %d does not match file's %d",
			meta.RecordWidth, tm.RecordWidth)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	width := int64(tm.RecordWidth)
	slot := make([]byte, width)
	for i := int64(0); i < int64(tm.RecordCount); i++ {
		if _, err := file.ReadAt(slot, tm.DataStart+i*width); err != nil {
			return fmt.Errorf("read slot %d: %w", i, err)
		}
		tombstone, id, values, err := meta.Decode(slot)
		if err != nil {
			return fmt.Errorf("decode slot %d: %w", i, err)
		}
		if tombstone != codec.TombstoneLive && !showDeleted {
			continue
		}
		var parts []string
		for j, f := range meta.Fields {
			parts = append(parts, fmt.Sprintf("%s=%v", f.Name, values[j]))
		}
		marker := " "
		if tombstone != codec.TombstoneLive {
			marker = "x"
		}
		fmt.Printf("%s slot=%-6d id=%-6d %s\n", marker, i, id, strings.Join(parts, " "))
	}
	return nil
}

// dynamicMeta maps the YAML field declarations onto the codec's dynamic
// layout.
func dynamicMeta(declared []schemaField) (*codec.DynamicMeta, error) {
	fields := make([]codec.DynamicField, len(declared))
	for i, f := range declared {
		df := codec.DynamicField{Name: f.Name, Nullable: f.Nullable, MaxLen: f.MaxLen}
		switch strings.ToLower(f.Kind) {
		case "int32":
			df.Kind = schema.KindInt32
		case "bool":
			df.Kind = schema.KindBool
		case "decimal":
			df.Kind = schema.KindDecimal
		case "datetime":
			df.Kind = schema.KindDateTime
		case "enum":
			df.Kind = schema.KindEnum
		case "string":
			df.Kind = schema.KindString
		default:
			return nil, fmt.Errorf("field %s: unknown kind %q", f.Name, f.Kind)
		}
		fields[i] = df
	}
	return codec.NewDynamicMeta(fields)
}
