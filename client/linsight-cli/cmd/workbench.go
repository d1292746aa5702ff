package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var workbenchCmd = &cobra.Command{
	Use:   "workbench",
	Short: "Submit questions and drive their execution",
}

var (
	submitTools    []string
	submitOrgKB    bool
	submitPersonal bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [question]",
	Short: "Submit a new question and create its draft session version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tools := make([]map[string]string, 0, len(submitTools))
		for _, name := range submitTools {
			tools = append(tools, toolRef(name))
		}
		var resp struct {
			SessionVersion struct {
				ID        string `json:"id"`
				SessionID string `json:"session_id"`
			} `json:"session_version"`
		}
		err := newAPI().do(http.MethodPost, "/workbench/submit", map[string]interface{}{
			"question":                   args[0],
			"tools":                      tools,
			"org_knowledge_enabled":      submitOrgKB,
			"personal_knowledge_enabled": submitPersonal,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("Question submitted!\nSession version: %s\n", resp.SessionVersion.ID)
		fmt.Printf("To generate its SOP, run: linsight-cli workbench sop %s\n", resp.SessionVersion.ID)
		return nil
	},
}

// toolRef parses "kind:name" or "kind:name@spec" into a tool reference; a bare name is a builtin tool.
func toolRef(s string) map[string]string {
	ref := map[string]string{"kind": "builtin", "name": s}
	if kind, rest, ok := strings.Cut(s, ":"); ok {
		ref["kind"], ref["name"] = kind, rest
	}
	if name, spec, ok := strings.Cut(ref["name"], "@"); ok {
		ref["name"], ref["spec_id"] = name, spec
	}
	return ref
}

var (
	sopFeedback  string
	sopPrevious  string
	sopReexecute bool
)

var sopCmd = &cobra.Command{
	Use:   "sop [session-version-id]",
	Short: "Generate the SOP of a session version and print it as it streams",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"session_version_id":          args[0],
			"previous_session_version_id": sopPrevious,
			"feedback":                    sopFeedback,
			"reexecute":                   sopReexecute,
		}
		var failed error
		err := newAPI().stream("/workbench/generate-sop", body, func(evt sseEvent) bool {
			var frame struct {
				Data json.RawMessage `json:"data"`
			}
			_ = json.Unmarshal([]byte(evt.Data), &frame)
			switch evt.Name {
			case "sop_generate_chunk":
				var chunk struct {
					Content string `json:"content"`
				}
				_ = json.Unmarshal(frame.Data, &chunk)
				fmt.Print(chunk.Content)
			case "sop_generate_complete":
				fmt.Println()
				return false
			case "error":
				failed = fmt.Errorf("SOP generation failed: %s", frame.Data)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		return failed
	},
}

var modifyCmd = &cobra.Command{
	Use:   "modify [session-version-id] [sop-file]",
	Short: "Replace the SOP of a session version with the content of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readFile(args[1])
		if err != nil {
			return err
		}
		return newAPI().do(http.MethodPost, "/workbench/modify-sop", map[string]string{
			"session_version_id": args[0],
			"sop_content":        content,
		}, nil)
	},
}

var startCmd = &cobra.Command{
	Use:   "start [session-version-id]",
	Short: "Queue a session version for execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPI().do(http.MethodPost, "/workbench/start-execute", map[string]string{"session_version_id": args[0]}, nil); err != nil {
			return err
		}
		fmt.Printf("Execution queued. To watch it, run: linsight-cli workbench watch %s\n", args[0])
		return nil
	},
}

var inputCmd = &cobra.Command{
	Use:   "input [session-version-id] [task-id] [text]",
	Short: "Answer a task that is waiting for user input",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Applied bool `json:"applied"`
		}
		err := newAPI().do(http.MethodPost, "/workbench/user-input", map[string]string{
			"session_version_id": args[0],
			"task_id":            args[1],
			"input":              args[2],
		}, &resp)
		if err != nil {
			return err
		}
		if !resp.Applied {
			fmt.Println("The task was no longer waiting for input.")
		}
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate [session-version-id]",
	Short: "Terminate a session version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPI().do(http.MethodPost, "/workbench/terminate", map[string]string{"session_version_id": args[0]}, nil)
	},
}

var (
	feedbackText      string
	feedbackReexecute bool
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback [session-version-id] [score]",
	Short: "Rate a finished session version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var score int
		if _, err := fmt.Sscan(args[1], &score); err != nil {
			return fmt.Errorf("invalid score %q", args[1])
		}
		var resp struct {
			SessionVersion *struct {
				ID string `json:"id"`
			} `json:"session_version"`
		}
		err := newAPI().do(http.MethodPost, "/workbench/feedback", map[string]interface{}{
			"session_version_id": args[0],
			"score":              score,
			"feedback":           feedbackText,
			"is_reexecute":       feedbackReexecute,
		}, &resp)
		if err != nil {
			return err
		}
		if resp.SessionVersion != nil {
			fmt.Printf("Created session version %s for re-execution.\n", resp.SessionVersion.ID)
		}
		return nil
	},
}

var watchFrom int64

var watchCmd = &cobra.Command{
	Use:   "watch [session-version-id]",
	Short: "Watch the event stream of a session version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		u, err := api.streamURL(args[0], watchFrom)
		if err != nil {
			return err
		}
		header := http.Header{}
		if api.token != "" {
			header.Set("Authorization", "Bearer "+api.token)
		}
		log.Printf("Connecting to %s", u)
		c, _, err := websocket.DefaultDialer.Dial(u, header)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer c.Close()

		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, message, "", "  "); err != nil {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(pretty.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(workbenchCmd)
	workbenchCmd.AddCommand(submitCmd, sopCmd, modifyCmd, startCmd, inputCmd, terminateCmd, feedbackCmd, watchCmd)

	submitCmd.Flags().StringSliceVar(&submitTools, "tool", nil, "tool to enable, as name or kind:name[@spec-id]")
	submitCmd.Flags().BoolVar(&submitOrgKB, "org-kb", false, "search the organization knowledge base")
	submitCmd.Flags().BoolVar(&submitPersonal, "personal-kb", false, "search the personal knowledge base")

	sopCmd.Flags().StringVar(&sopFeedback, "feedback", "", "feedback used to revise the previous SOP")
	sopCmd.Flags().StringVar(&sopPrevious, "previous", "", "previous session version whose SOP is revised")
	sopCmd.Flags().BoolVar(&sopReexecute, "reexecute", false, "reuse the previous SOP as is")

	feedbackCmd.Flags().StringVar(&feedbackText, "text", "", "free-form feedback")
	feedbackCmd.Flags().BoolVar(&feedbackReexecute, "reexecute", false, "create a new session version for re-execution")

	watchCmd.Flags().Int64Var(&watchFrom, "from", 0, "offset to replay the stream from")
}
