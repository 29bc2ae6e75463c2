package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/outbox/v2/bootstrap"
	"github.com/velmie/outbox/v2/mysql"
	"github.com/velmie/outbox/v2/postgres"
)

var errBinaryPayload = errors.New("outboxctl: --binary applies to mysql only")

func newSchemaCommand() *cobra.Command {
	var (
		driver string
		table  string
		binary bool
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the outbox table DDL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ddl, err := schemaFor(driver, table, binary)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ddl)

			return err
		},
	}

	cmd.Flags().StringVarP(&driver, "driver", "d", bootstrap.DriverMySQL, "database driver (mysql|postgres)")
	cmd.Flags().StringVar(&table, "table", "", "table name (driver default when empty)")
	cmd.Flags().BoolVar(&binary, "binary", false, "store payloads as LONGBLOB instead of JSON (mysql)")

	return cmd
}

func schemaFor(driver, table string, binary bool) (string, error) {
	switch driver {
	case bootstrap.DriverMySQL:
		if table == "" {
			table = mysql.DefaultTable
		}
		if binary {
			return mysql.SchemaBinary(table)
		}

		return mysql.Schema(table)
	case bootstrap.DriverPostgres:
		if binary {
			return "", errBinaryPayload
		}
		if table == "" {
			table = postgres.DefaultTable
		}

		return postgres.Schema(table)
	default:
		return "", fmt.Errorf("%w: %q", bootstrap.ErrUnsupportedDriver, driver)
	}
}
