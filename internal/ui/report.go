package ui

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/josephgoksu/tunewatch/internal/predictions"
	"github.com/josephgoksu/tunewatch/internal/scoring"
)

const (
	barWidth       = 10
	textColumnSize = 40
)

// FormatScore prints a score with four decimals, or "rejected" for a
// checkpoint that could not be scored.
func FormatScore(v float64) string {
	if math.IsInf(v, 1) || math.IsNaN(v) {
		return "rejected"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatLoss(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// ScoreBar draws the share of the worst finite score that total represents;
// lower scores draw fuller bars.
func ScoreBar(total, worst float64) string {
	filled := 0
	if !math.IsInf(total, 1) && worst > 0 {
		filled = int(math.Round(barWidth * (1 - math.Max(total, 0)/worst)))
		filled = max(1, min(barWidth, filled))
	}
	return barFull.Render(strings.Repeat("█", filled)) + barEmpty.Render(strings.Repeat("░", barWidth-filled))
}

// RenderScores writes a ranked table of scored checkpoints.
func RenderScores(w io.Writer, history []scoring.ScoredCheckpoint, best *scoring.BestCheckpointPointer) error {
	var sb strings.Builder
	sb.WriteString(StyleHeader.Render("CHECKPOINT SCORES") + "\n")

	if len(history) == 0 {
		sb.WriteString(StyleSubtle.Render("  no checkpoints scored") + "\n")
		_, err := io.WriteString(w, sb.String())
		return err
	}

	ranked := scoring.Rank(history)
	worst := 0.0
	for _, c := range ranked {
		if !c.Score.Rejected() {
			worst = math.Max(worst, c.Score.Total)
		}
	}

	t := &Table{
		Headers:    []string{"#", "Step", "Epoch", "Eval", "Train", "Gap", "Ppl", "Bonus", "Total", ""},
		RightAlign: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true},
	}
	for i, c := range ranked {
		mark := ""
		if best != nil && c.Step == best.Step {
			mark = "best"
		}
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(i + 1),
			strconv.Itoa(c.Step),
			strconv.FormatFloat(c.Epoch, 'f', 2, 64),
			formatLoss(c.Metrics.EvalLoss),
			formatLoss(c.Metrics.TrainLoss),
			FormatScore(c.Score.GapTerm),
			FormatScore(c.Score.PerplexityTerm),
			FormatScore(c.Score.ImprovementBonus),
			FormatScore(c.Score.Total),
			mark,
		})
	}
	sb.WriteString(t.Render())

	sb.WriteString(StyleSection.Render("Score") + "\n")
	for _, c := range ranked {
		fmt.Fprintf(&sb, "  %-8s %s %s\n", strconv.Itoa(c.Step), ScoreBar(c.Score.Total, worst), FormatScore(c.Score.Total))
	}

	if best != nil {
		line := fmt.Sprintf("best: %s (step %d, score %s)", best.Path, best.Step, FormatScore(best.Score))
		sb.WriteString("\n" + StyleSuccess.Render(line) + "\n")
	} else {
		sb.WriteString("\n" + StyleWarning.Render("no checkpoint qualified as best") + "\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderPredictions writes one row per prediction record.
func RenderPredictions(w io.Writer, records []predictions.Record) error {
	if len(records) == 0 {
		_, err := io.WriteString(w, StyleSubtle.Render("no predictions recorded")+"\n")
		return err
	}
	t := &Table{
		Headers:    []string{"Step", "#", "Source", "Prompt", "Prediction", "Score", "Latency"},
		RightAlign: map[int]bool{0: true, 1: true, 5: true, 6: true},
		MaxWidth:   textColumnSize,
	}
	for _, r := range records {
		score := "-"
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', 3, 64)
		}
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(r.Step),
			strconv.Itoa(r.SampleIndex),
			r.SourceID,
			r.Prompt,
			r.PredictionText,
			score,
			fmt.Sprintf("%dms", r.LatencyMS),
		})
	}
	_, err := io.WriteString(w, t.Render())
	return err
}
