package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/rewind/internal/retrieval"
)

var (
	topK         int
	askQuestions []string
)

var askCmd = &cobra.Command{
	Use:   "ask [QUESTION...]",
	Short: "Find the memories that best match a question",
	Long: `Ask ranks the indexed memories of a store against a question.

The arguments form one question. Repeat -q to ask several in one session, or
pass neither to read one question per line from stdin. Query embeddings are
cached for the session, so asking the same question again costs no provider call.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			s, e, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			emb, err := a.embedder()
			if err != nil {
				return err
			}
			if size := a.cfg.Retrieval.QueryCacheSize; size > 0 {
				cached, err := retrieval.NewCachedEmbedder(emb, size)
				if err != nil {
					return err
				}
				defer cached.Close()
				emb = cached
			}

			k := topK
			if k <= 0 {
				k = a.cfg.Retrieval.TopK
			}
			r := retrieval.New(s, emb, retrieval.Options{
				RecencyPenalty: a.cfg.Retrieval.RecencyPenalty,
				MinSimilarity:  a.cfg.Retrieval.MinSimilarity,
				Observer:       a.obs,
			})

			out := cmd.OutOrStdout()
			questions := append([]string(nil), askQuestions...)
			if len(args) > 0 {
				questions = append([]string{strings.Join(args, " ")}, questions...)
			}
			session := len(questions) != 1

			ask := func(q string) error {
				ans, err := r.Retrieve(cmd.Context(), q, k)
				if err != nil {
					return err
				}
				if session {
					fmt.Fprintln(out, headerStyle.Render("? "+q))
				}
				renderAnswer(out, e.Name, ans)
				return nil
			}

			if len(questions) > 0 {
				for _, q := range questions {
					if err := ask(q); err != nil {
						return err
					}
				}
				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				q := strings.TrimSpace(scanner.Text())
				if q == "" {
					continue
				}
				if err := ask(q); err != nil {
					return err
				}
			}
			return scanner.Err()
		})
	},
}

func renderAnswer(out io.Writer, store string, ans retrieval.Answer) {
	switch ans.Outcome {
	case retrieval.NothingIndexed:
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf(
			"Nothing indexed yet in %s (%d captures waiting). Run `rewind index` first.", store, ans.Unindexed)))
		return
	case retrieval.NoMatch:
		fmt.Fprintln(out, warnStyle.Render("No captures matched your question."))
	case retrieval.Matched:
		for i, res := range ans.Results {
			fmt.Fprintf(out, "%s %s  %s\n",
				titleStyle.Render(fmt.Sprintf("#%d", i+1)),
				res.Record.CaptureTime.Local().Format(time.DateTime),
				dimStyle.Render(fmt.Sprintf("similarity %.3f, score %.3f", res.Similarity, res.Score)))
			fmt.Fprintln(out, res.Record.Description)
			if res.Record.MediaRef != "" {
				fmt.Fprintln(out, dimStyle.Render(res.Record.MediaRef))
			}
			fmt.Fprintln(out)
		}
	}

	if ans.Unindexed > 0 {
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf(
			"%d captures are not indexed yet; results may be incomplete.", ans.Unindexed)))
	}
}

func init() {
	askCmd.Flags().IntVarP(&topK, "top", "k", 0, "Number of results (default from config)")
	askCmd.Flags().StringArrayVarP(&askQuestions, "question", "q", nil, "Question to ask (repeatable)")
	RootCmd.AddCommand(askCmd)
}
