package cmd

import (
	"fmt"
	"time"

	"github.com/foomo/keel/log"
	"github.com/spf13/cobra"

	"github.com/foomo/restorestate/pkg/store"
)

func NewInspectCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the records of the current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := log.Logger()

			storage, err := createStorage(cmd.Context(), v, l)
			if err != nil {
				return fmt.Errorf("failed to create storage: %w", err)
			}
			defer storage.Close()

			s, err := store.NewStore(l.Named("inst.store"),
				store.StoreWithStorage(storage),
			)
			if err != nil {
				return fmt.Errorf("failed to create snapshot store: %w", err)
			}

			snapshot, err := s.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}
			if snapshot == nil {
				fmt.Println("no snapshot saved")
				return nil
			}

			fmt.Printf("saved at: %s\n", snapshot.SavedAt.Format(time.RFC3339))
			fmt.Printf("records:  %d\n", len(snapshot.Records))
			for _, record := range snapshot.Records {
				fmt.Printf("  %s\t%s\n", record.Key, string(record.Payload))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	addStorageTypeFlag(flags, v)
	addStorageDirFlag(flags, v)
	addStorageBlobBucketFlag(flags, v)
	addStorageBlobPrefixFlag(flags, v)

	return cmd
}
