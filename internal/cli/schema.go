package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/protocol"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [message-type]",
		Short: "Print JSON schemas for inbound websocket messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas := protocol.InboundSchemas()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if len(args) == 1 {
				s, ok := schemas[protocol.MessageType(args[0])]
				if !ok {
					return fmt.Errorf("unknown message type %q", args[0])
				}
				return enc.Encode(s)
			}

			types := make([]string, 0, len(schemas))
			for typ := range schemas {
				types = append(types, string(typ))
			}
			sort.Strings(types)
			ordered := make([]any, 0, len(types))
			for _, typ := range types {
				ordered = append(ordered, schemas[protocol.MessageType(typ)])
			}
			return enc.Encode(ordered)
		},
	}
}
