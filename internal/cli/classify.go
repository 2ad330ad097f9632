package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/hsstream/internal/client"
	"github.com/MikeSquared-Agency/hsstream/internal/config"
	"github.com/MikeSquared-Agency/hsstream/internal/decision"
	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
)

const fallbackQuestion = "Please provide more information about your product"

type classifyFlags struct {
	url            string
	model          string
	maxQuestions   int
	hypotheses     int
	nonInteractive bool
}

func newClassifyCmd() *cobra.Command {
	var f classifyFlags

	cmd := &cobra.Command{
		Use:   "classify [product description]",
		Short: "Classify a product from the terminal",
		Long:  "Stream a classification for one product, answering clarification questions on stdin, and print the final HS code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("url") {
				cfg.ClassifierURL = f.url
			}
			opts := defaultOptions(cfg)
			if cmd.Flags().Changed("model") {
				opts.Model = f.model
			}
			if cmd.Flags().Changed("max-questions") {
				opts.MaxQuestions = f.maxQuestions
			}
			if cmd.Flags().Changed("hypotheses") {
				opts.HypothesisCount = f.hypotheses
			}
			if f.nonInteractive {
				opts.NonInteractive = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := client.New(cfg.ClassifierURL, cfg.ClassifierTimeout)
			return runClassify(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "", "Classification service base URL (default $CLASSIFIER_URL)")
	cmd.Flags().StringVar(&f.model, "model", "", "Model: vertex or groq (default $CLASSIFIER_MODEL)")
	cmd.Flags().IntVar(&f.maxQuestions, "max-questions", 0, "Maximum clarification questions")
	cmd.Flags().IntVar(&f.hypotheses, "hypotheses", 0, "Parallel hypotheses kept in the beam")
	cmd.Flags().BoolVar(&f.nonInteractive, "non-interactive", false, "Never stop for clarification questions")

	return cmd
}

// runClassify drives one session to completion, prompting on in whenever
// the service asks a question.
func runClassify(ctx context.Context, in io.Reader, out io.Writer, t session.Transport, product string, opts session.Options) error {
	lines := bufio.NewScanner(in)

	product = strings.TrimSpace(product)
	if product == "" {
		fmt.Fprint(out, "Product description: ")
		if !lines.Scan() {
			return session.ErrEmptyProduct
		}
		product = strings.TrimSpace(lines.Text())
	}

	stage := ""
	sess := session.New("cli", t, func(e events.Event, st session.State) {
		if e.Type == events.TypeStreamOpened || st.CurrentStage == stage {
			return
		}
		stage = st.CurrentStage
		fmt.Fprintf(out, "[%3d%%] %s\n", st.Progress, stage)
	})

	if err := sess.Start(ctx, product, opts); err != nil {
		return err
	}

	for {
		if err := sess.Wait(ctx); err != nil {
			sess.Stop()
			return err
		}
		st := sess.Snapshot()

		switch {
		case st.Error != "":
			return errors.New(st.Error)
		case st.Completed():
			printResult(out, st)
			return nil
		case st.IsWaitingForAnswer:
			printQuestion(out, st.CurrentQuestion)
			fmt.Fprint(out, "> ")
			if !lines.Scan() {
				return errors.New("no answer given")
			}
			if err := sess.Answer(ctx, strings.TrimSpace(lines.Text())); err != nil {
				return err
			}
		default:
			return errors.New("stream ended without a result")
		}
	}
}

type questionPayload struct {
	Question struct {
		Text    string `json:"question_text"`
		Options []any  `json:"options"`
	} `json:"question"`
}

func printQuestion(out io.Writer, raw json.RawMessage) {
	var q questionPayload
	_ = json.Unmarshal(raw, &q)

	text := q.Question.Text
	if text == "" {
		text = fallbackQuestion
	}
	fmt.Fprintf(out, "\n%s\n", text)
	for i, opt := range q.Question.Options {
		fmt.Fprintf(out, "  %d. %s\n", i+1, optionLabel(opt))
	}
}

func optionLabel(opt any) string {
	if m, ok := opt.(map[string]any); ok {
		for _, key := range []string{"text", "label", "value"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if s, ok := opt.(string); ok {
		return s
	}
	b, _ := json.Marshal(opt)
	return string(b)
}

type resultPayload struct {
	FinalCode     string  `json:"final_code"`
	Code          string  `json:"code"`
	Confidence    float64 `json:"confidence"`
	FullPath      string  `json:"full_path"`
	EnrichedQuery string  `json:"enriched_query"`
}

func printResult(out io.Writer, st session.State) {
	var res resultPayload
	_ = json.Unmarshal(st.FinalResult, &res)

	code := res.FinalCode
	if code == "" {
		code = res.Code
	}
	path := res.FullPath
	if path == "" {
		path = decision.Trail(st.Decisions)
	}
	if last, ok := decision.Last(st.Decisions); ok {
		if code == "" {
			code = last.Code
		}
		if res.Confidence == 0 {
			res.Confidence = last.Confidence
		}
	}
	product := res.EnrichedQuery
	if product == "" {
		product = st.Product
	}

	fmt.Fprintf(out, "\nFinal HS Code: %s\n", code)
	fmt.Fprintf(out, "Product: %s\n", product)
	if path != "" {
		fmt.Fprintf(out, "Classification: %s\n", path)
	}
	if res.Confidence > 0 {
		fmt.Fprintf(out, "Confidence: %.0f%%\n", res.Confidence*100)
	}
	fmt.Fprintf(out, "Questions asked: %d\n", st.QuestionsAsked)
}
