package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/pkg/vault"
)

var (
	collectionMembers []string
	collectionRevoke  []string
)

func init() {
	rootCmd.AddCommand(collectionCmd)
	collectionCmd.AddCommand(collectionKeysCmd)
	collectionCmd.AddCommand(collectionCreateCmd)
	collectionCmd.AddCommand(collectionAddMemberCmd)
	collectionCmd.AddCommand(collectionRotateCmd)
	collectionCmd.AddCommand(collectionAddItemCmd)
	collectionCmd.AddCommand(collectionListItemsCmd)

	collectionCreateCmd.Flags().StringArrayVar(&collectionMembers, "member", nil, "Member user ID (can be repeated)")
	collectionRotateCmd.Flags().StringArrayVar(&collectionRevoke, "revoke", nil, "User ID to remove (can be repeated)")
}

// collectionCmd is the parent command for shared collections
var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Shared collection operations",
	Long: `Collections share items between users of the same store. The collection
key is wrapped for every member with a hybrid X25519 + Kyber1024 scheme.
Members publish their public keys with 'zkvault collection keys'.`,
}

var collectionKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Creates or shows your hybrid public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		m, err := h.session.EnsureHybridKeyMaterial(ctx)
		if err != nil {
			return describeError("failed to prepare hybrid keys", err)
		}
		fmt.Printf("Hybrid keys published for %s (X25519 %d bytes, Kyber %d bytes)\n",
			m.UserID, len(m.ClassicalPublic), len(m.PQPublic))
		return nil
	},
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Creates a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		members, err := lookupMembers(ctx, h.session, collectionMembers)
		if err != nil {
			return err
		}
		coll, err := h.session.CreateCollectionWithHybridKey(ctx, args[0], members)
		if err != nil {
			return describeError("failed to create collection", err)
		}
		fmt.Printf("Collection '%s' created (%s)\n", coll.Name, coll.ID)
		fmt.Printf("Members: %s\n", strings.Join(coll.Members, ", "))
		return nil
	},
}

var collectionAddMemberCmd = &cobra.Command{
	Use:   "add-member [collection-id] [user-id]",
	Short: "Shares a collection with another user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		members, err := lookupMembers(ctx, h.session, args[1:])
		if err != nil {
			return err
		}
		if err := h.session.AddCollectionMember(ctx, args[0], members[0]); err != nil {
			return describeError("failed to add member", err)
		}
		fmt.Printf("User %s added to collection %s\n", args[1], args[0])
		return nil
	},
}

var collectionRotateCmd = &cobra.Command{
	Use:   "rotate [collection-id]",
	Short: "Rotates a collection key, optionally revoking members",
	Long: `Rotates the collection key: every item is re-encrypted and the new key is
wrapped for the remaining members. Revoked members lose access to the
items from this point on.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		coll, err := h.session.RotateCollectionKey(ctx, args[0], collectionRevoke)
		if err != nil {
			return describeError("failed to rotate collection key", err)
		}
		fmt.Printf("Collection %s rotated to key version %d\n", coll.ID, coll.KeyVersion)
		fmt.Printf("Members: %s\n", strings.Join(coll.Members, ", "))
		return nil
	},
}

var collectionAddItemCmd = &cobra.Command{
	Use:   "add-item [collection-id] [title]",
	Short: "Adds a login to a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		password, err := readPassword("Item password: ")
		if err != nil {
			return err
		}
		data := &vault.VaultItemData{Title: args[1], Type: vault.ItemLogin, Password: password}
		defer data.Wipe()

		item, err := h.session.AddCollectionItem(ctx, args[0], data)
		if err != nil {
			return describeError("failed to add collection item", err)
		}
		fmt.Printf("Item '%s' saved to collection %s (%s)\n", args[1], args[0], item.ID)
		return nil
	},
}

var collectionListItemsCmd = &cobra.Command{
	Use:   "list-items [collection-id]",
	Short: "Lists the items of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		items, err := h.session.ListCollectionItems(ctx, args[0])
		if err != nil {
			return describeError("failed to list collection items", err)
		}
		if len(items) == 0 {
			fmt.Println("No items in collection")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %s\n", it.Item.ID, it.Data.Title)
			it.Data.Wipe()
		}
		return nil
	},
}

// lookupMembers resolves user IDs to their published hybrid public keys.
func lookupMembers(ctx context.Context, s *vault.Session, userIDs []string) ([]vault.Member, error) {
	members := make([]vault.Member, 0, len(userIDs))
	for _, id := range userIDs {
		m, err := s.LookupHybridPublicKeys(ctx, id)
		if err != nil {
			return nil, describeError("unknown member "+id, err)
		}
		members = append(members, *m)
	}
	return members, nil
}
