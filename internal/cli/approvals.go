package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trebuchet-org/evolve/internal/cli/render"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// requestManifest is the YAML form of a direct-change request
type requestManifest struct {
	ID          string              `yaml:"id"`
	Title       string              `yaml:"title"`
	Description string              `yaml:"description"`
	Users       []string            `yaml:"users"`
	Changes     []models.FileChange `yaml:"changes"`
}

// loadManifest reads a manifest from path, or stdin when path is "-"
func loadManifest(path string, stdin io.Reader) (*requestManifest, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m requestManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &domain.ValidationError{Field: "manifest", Message: err.Error()}
	}
	return &m, nil
}

// NewRequestCmd creates the request command
func NewRequestCmd() *cobra.Command {
	var (
		file  string
		id    string
		users []string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Open a direct-change request for a single approve/decline vote",
		Long: `Open an approval request for pre-computed file changes. One of the
authorized users approves or declines it within pipeline.approval_ttl;
approving writes the files and runs build, package and rollout.`,
		Example: `  # changes.yaml
  #   title: Update a.txt
  #   changes:
  #     - filePath: a.txt
  #       action: modify
  #       content: "v2\n"
  evolve request -f changes.yaml --user u1 --user u2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			m, err := loadManifest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if id != "" {
				m.ID = id
			}

			req, err := app.Gate.Request(cmd.Context(), usecase.RequestParams{
				ID:              m.ID,
				Title:           m.Title,
				Description:     m.Description,
				Changes:         m.Changes,
				AuthorizedUsers: lo.Uniq(append(m.Users, users...)),
				RequestedBy:     app.Config.Actor,
				Channel:         app.Config.Channel,
			})
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), req)
			}
			return render.NewApprovalsRenderer(cmd.OutOrStdout()).RenderOpened(req)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML manifest with title, description and changes ('-' for stdin)")
	cmd.Flags().StringVar(&id, "id", "", "Request id (generated when empty)")
	cmd.Flags().StringArrayVar(&users, "user", nil, "Authorized user (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// NewChooseCmd creates the choose command
func NewChooseCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "choose <action-id>",
		Short: "Approve or decline a direct-change request",
		Example: `  evolve choose approve:r1 --user u1
  evolve choose decline:r1 --user u1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			actor := lo.Ternary(user != "", user, app.Config.Actor)
			res, err := app.Gate.OnChoiceAction(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), map[string]any{
					"requestId": res.Request.ID,
					"choice":    res.Choice,
					"actor":     res.Actor,
					"message":   res.Message(),
					"failed":    res.HandlerErr != nil,
				})
			}
			return render.NewApprovalsRenderer(cmd.OutOrStdout()).RenderChoice(res)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User making the choice (defaults to --as)")
	return cmd
}

// NewPendingCmd creates the pending command
func NewPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List open direct-change requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			requests, err := app.Gate.Pending(cmd.Context())
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), requests)
			}
			return render.NewApprovalsRenderer(cmd.OutOrStdout()).RenderPending(requests)
		},
	}
}
