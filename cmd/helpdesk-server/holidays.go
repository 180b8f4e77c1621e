package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"helpdesk-backend/internal/dialog"
	"helpdesk-backend/internal/helpdesk"
	"helpdesk-backend/internal/store"
)

var holidaysCmd = &cobra.Command{
	Use:   "holidays",
	Short: "Manage the holiday calendar",
}

var holidaysImportCmd = &cobra.Command{
	Use:   "import [file.yaml]",
	Short: "Load holidays from a YAML calendar",
	Long: `Reads a calendar of the form

  holidays:
    - date: 2024-12-25
      name: Christmas Day
      type: Public

and upserts every entry. Re-importing a date and name updates its type.`,
	Args: cobra.ExactArgs(1),
	RunE: runHolidaysImport,
}

var holidaysListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print holidays after today or after --after",
	RunE:  runHolidaysList,
}

func init() {
	holidaysListCmd.Flags().String("after", "", "list holidays strictly after this date (YYYY-MM-DD)")
	holidaysCmd.AddCommand(holidaysImportCmd, holidaysListCmd)
	rootCmd.AddCommand(holidaysCmd)
}

type calendarFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"holidays"`
}

// parseCalendar decodes a YAML holiday calendar.
func parseCalendar(r io.Reader) ([]helpdesk.Holiday, error) {
	var cf calendarFile
	if err := yaml.NewDecoder(r).Decode(&cf); err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	out := make([]helpdesk.Holiday, 0, len(cf.Holidays))
	for i, h := range cf.Holidays {
		d, err := time.Parse(dialog.DateLayout, strings.TrimSpace(h.Date))
		if err != nil {
			return nil, fmt.Errorf("holiday %d (%s): date must be YYYY-MM-DD: %w", i+1, h.Name, err)
		}
		out = append(out, helpdesk.Holiday{Date: d, Name: strings.TrimSpace(h.Name), Type: strings.TrimSpace(h.Type)})
	}
	return out, nil
}

func openHolidays() (*helpdesk.Holidays, func() error, error) {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return helpdesk.NewHolidays(store.NewDatabaseStore(database), logger), database.Close, nil
}

func runHolidaysImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	hs, err := parseCalendar(f)
	if err != nil {
		return err
	}

	holidays, closeDB, err := openHolidays()
	if err != nil {
		return err
	}
	defer closeDB()
	n, err := holidays.Import(cmd.Context(), hs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d holidays\n", n)
	return nil
}

func runHolidaysList(cmd *cobra.Command, _ []string) error {
	holidays, closeDB, err := openHolidays()
	if err != nil {
		return err
	}
	defer closeDB()

	var hs []helpdesk.Holiday
	if after, _ := cmd.Flags().GetString("after"); after != "" {
		day, perr := time.Parse(dialog.DateLayout, after)
		if perr != nil {
			return fmt.Errorf("--after must be YYYY-MM-DD: %w", perr)
		}
		hs, err = holidays.After(cmd.Context(), day)
	} else {
		hs, err = holidays.Upcoming(cmd.Context())
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(hs) == 0 {
		fmt.Fprintln(out, "No holidays found.")
		return nil
	}
	for _, h := range hs {
		fmt.Fprintf(out, "%s  %-30s %s\n", h.Date.Format(dialog.DateLayout), h.Name, h.Type)
	}
	return nil
}
