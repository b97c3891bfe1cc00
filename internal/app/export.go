package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// Export renders settled positions as CSV and/or a PnL chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, -1, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	settled, err := store.ListSettledBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(settled) == 0 {
		a.Logger.Info().Msg("no settled positions in export window")
		return nil
	}

	sampled := downsample(settled, opts.MaxPoints)
	a.Logger.Info().Int("total", len(settled)).Int("exported", len(sampled)).Msg("exporting settled positions")

	if opts.CSVPath != "" {
		if err := writePositionsCSV(opts.CSVPath, sampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePnLPNG(opts.PNGPath, sampled); err != nil {
			return err
		}
	}

	return nil
}

func downsample(positions []storage.Insurance, max int) []storage.Insurance {
	if max <= 0 || len(positions) <= max {
		return positions
	}

	result := make([]storage.Insurance, 0, max)
	step := float64(len(positions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(positions) {
			idx = len(positions) - 1
		}
		result = append(result, positions[idx])
	}
	return result
}

func writePositionsCSV(path string, positions []storage.Insurance) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "asset", "unit", "state", "margin", "q_claim", "p_open", "p_close", "pnl_user", "pnl_project", "created_at", "closed_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ins := range positions {
		closedAt := ""
		if ins.ClosedAt != nil {
			closedAt = ins.ClosedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			ins.ID.String(),
			ins.Asset,
			ins.Unit,
			string(ins.State),
			ins.Margin.String(),
			ins.QClaim.String(),
			ins.POpen.String(),
			ins.PClose.String(),
			ins.PnLUser.String(),
			ins.PnLProject.String(),
			ins.CreatedAt.UTC().Format(time.RFC3339),
			closedAt,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePnLPNG(path string, positions []storage.Insurance) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(positions))
	user := make([]float64, len(positions))
	project := make([]float64, len(positions))

	cumUser, cumProject := 0.0, 0.0
	for i, ins := range positions {
		x[i] = ins.CreatedAt
		if ins.ClosedAt != nil {
			x[i] = *ins.ClosedAt
		}
		cumUser += ins.PnLUser.InexactFloat64()
		cumProject += ins.PnLProject.InexactFloat64()
		user[i] = cumUser
		project[i] = cumProject
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative PnL",
			ValueFormatter: formatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Users",
				XValues: x,
				YValues: user,
			},
			chart.TimeSeries{
				Name:    "Project",
				XValues: x,
				YValues: project,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
