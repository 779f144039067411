package vault

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/zkvault/pkg/store"
)

// Item record fields besides encrypted_data
const (
	fieldType     = "type"
	fieldFavorite = "favorite"
)

// DecryptedItem pairs a stored item with its decrypted data.
type DecryptedItem struct {
	Item *VaultItem
	Data *VaultItemData
}

// DecryptedCategory pairs a stored category with its name.
type DecryptedCategory struct {
	Category *Category
	Name     string
}

// itemTable and contentClass pick the item set visible to the mode.
func (s *Session) itemTable() (string, ContentClass) {
	if s.Mode() == ModeDuress {
		return store.TableDecoyItems, ContentDecoy
	}
	return store.TableItems, ContentReal
}

// CreateItem encrypts data and stores it as a new item.
func (s *Session) CreateItem(ctx context.Context, data *VaultItemData) (*VaultItem, error) {
	const op = "create item"
	if err := validateItemData(op, data); err != nil {
		return nil, err
	}
	done, err := s.beginWrite(op)
	if err != nil {
		return nil, err
	}
	defer done()
	table, class := s.itemTable()

	tagged := *data
	tagged.ContentClass = class
	var rec *store.Record
	err = s.withKey(op, func(key []byte) error {
		var err error
		rec, err = newItemRecord(key, s.userID, &tagged)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.st.Insert(ctx, table, rec); err != nil {
		return nil, storageError(op, err)
	}
	s.refreshIntegrity(ctx, []IntegrityEntry{{ID: rec.ID, Ciphertext: rec.Field(fieldEncryptedData)}}, nil)
	s.log.Debug().Str("item_id", rec.ID).Msg("item created")

	stored, err := s.getRecord(ctx, op, table, rec.ID)
	if err != nil {
		return nil, err
	}
	return itemFromRecord(stored), nil
}

// UpdateItem replaces the data of an existing item.
func (s *Session) UpdateItem(ctx context.Context, id string, data *VaultItemData) (*VaultItem, error) {
	const op = "update item"
	if s.IsLocked() {
		return nil, newError(op, KindLocked, nil)
	}
	if err := validateItemData(op, data); err != nil {
		return nil, err
	}
	done, err := s.beginWrite(op)
	if err != nil {
		return nil, err
	}
	defer done()
	table, class := s.itemTable()
	if _, err := s.getRecord(ctx, op, table, id); err != nil {
		return nil, err
	}

	tagged := *data
	tagged.ContentClass = class
	if tagged.Type == "" {
		tagged.Type = ItemLogin
	}
	var envelope string
	err = s.withKey(op, func(key []byte) error {
		var err error
		envelope, err = EncryptItem(key, &tagged)
		return err
	})
	if err != nil {
		return nil, err
	}

	patch := map[string]string{
		fieldEncryptedData: envelope,
		fieldType:          tagged.Type,
		fieldFavorite:      strconv.FormatBool(tagged.Favorite),
	}
	if err := s.st.Update(ctx, table, id, patch); err != nil {
		return nil, storageError(op, err)
	}
	s.refreshIntegrity(ctx, []IntegrityEntry{{ID: id, Ciphertext: envelope}}, nil)

	rec, err := s.getRecord(ctx, op, table, id)
	if err != nil {
		return nil, err
	}
	return itemFromRecord(rec), nil
}

// DeleteItem removes an item.
func (s *Session) DeleteItem(ctx context.Context, id string) error {
	const op = "delete item"
	if s.IsLocked() {
		return newError(op, KindLocked, nil)
	}
	done, err := s.beginWrite(op)
	if err != nil {
		return err
	}
	defer done()
	table, _ := s.itemTable()
	if _, err := s.getRecord(ctx, op, table, id); err != nil {
		return err
	}
	if err := s.st.Delete(ctx, table, id); err != nil {
		return storageError(op, err)
	}
	s.refreshIntegrity(ctx, nil, []string{id})
	return nil
}

// GetItem returns one item with its decrypted data.
func (s *Session) GetItem(ctx context.Context, id string) (*DecryptedItem, error) {
	const op = "get item"
	if s.IsLocked() {
		return nil, newError(op, KindLocked, nil)
	}
	table, class := s.itemTable()
	rec, err := s.getRecord(ctx, op, table, id)
	if err != nil {
		return nil, err
	}
	item := itemFromRecord(rec)
	data, err := s.DecryptItem(item.EncryptedData)
	if err != nil {
		return nil, err
	}
	if data.ContentClass != class {
		data.Wipe()
		return nil, newError(op, KindNotFound, nil)
	}
	return &DecryptedItem{Item: item, Data: data}, nil
}

// ListItems returns every visible item, decrypted. Items that fail to
// decrypt or parse are logged and skipped.
func (s *Session) ListItems(ctx context.Context) ([]*DecryptedItem, error) {
	const op = "list items"
	if s.IsLocked() {
		return nil, newError(op, KindLocked, nil)
	}
	table, class := s.itemTable()
	recs, err := s.st.List(ctx, table, store.ByUser(s.userID))
	if err != nil {
		return nil, storageError(op, err)
	}

	out := make([]*DecryptedItem, 0, len(recs))
	for _, rec := range recs {
		item := itemFromRecord(rec)
		data, err := s.DecryptItem(item.EncryptedData)
		if err != nil {
			s.log.Warn().Err(err).Str("item_id", item.ID).Msg("skipping unreadable item")
			continue
		}
		if data.ContentClass != class {
			data.Wipe()
			continue
		}
		out = append(out, &DecryptedItem{Item: item, Data: data})
	}
	return out, nil
}

// CreateCategory stores a category with an encrypted name. In a duress
// session categories live in session memory only.
func (s *Session) CreateCategory(ctx context.Context, name string) (*Category, error) {
	const op = "create category"
	if name == "" {
		return nil, invalidInput(op, "category name is required")
	}
	if len(name) > MaxTitleLength {
		return nil, invalidInput(op, "category name exceeds %d bytes", MaxTitleLength)
	}
	done, err := s.beginWrite(op)
	if err != nil {
		return nil, err
	}
	defer done()

	encrypted, err := s.EncryptData([]byte(name))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cat := &Category{
		ID:            uuid.NewString(),
		UserID:        s.userID,
		EncryptedName: encrypted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if s.Mode() == ModeDuress {
		s.mu.Lock()
		s.decoyCategories = append(s.decoyCategories, cat)
		s.mu.Unlock()
		return cat, nil
	}

	rec := &store.Record{
		ID:     cat.ID,
		UserID: s.userID,
		Fields: map[string]string{fieldEncryptedName: encrypted},
	}
	if err := s.st.Insert(ctx, store.TableCategories, rec); err != nil {
		return nil, storageError(op, err)
	}
	return cat, nil
}

// ListCategories returns the visible categories with decrypted names,
// skipping any that fail to decrypt.
func (s *Session) ListCategories(ctx context.Context) ([]*DecryptedCategory, error) {
	const op = "list categories"
	if s.IsLocked() {
		return nil, newError(op, KindLocked, nil)
	}

	var cats []*Category
	if s.Mode() == ModeDuress {
		s.mu.RLock()
		cats = append(cats, s.decoyCategories...)
		s.mu.RUnlock()
	} else {
		recs, err := s.st.List(ctx, store.TableCategories, store.ByUser(s.userID))
		if err != nil {
			return nil, storageError(op, err)
		}
		for _, rec := range recs {
			cats = append(cats, &Category{
				ID:            rec.ID,
				UserID:        rec.UserID,
				EncryptedName: rec.Field(fieldEncryptedName),
				CreatedAt:     rec.CreatedAt,
				UpdatedAt:     rec.UpdatedAt,
			})
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })

	out := make([]*DecryptedCategory, 0, len(cats))
	for _, c := range cats {
		name, err := s.DecryptData(c.EncryptedName)
		if err != nil {
			s.log.Warn().Err(err).Str("category_id", c.ID).Msg("skipping unreadable category")
			continue
		}
		out = append(out, &DecryptedCategory{Category: c, Name: string(name)})
	}
	return out, nil
}

func (s *Session) getRecord(ctx context.Context, op, table, id string) (*store.Record, error) {
	rec, err := s.st.Get(ctx, table, store.Filter{ID: id, UserID: s.userID})
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindNotFound, nil)
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	return rec, nil
}

func itemFromRecord(rec *store.Record) *VaultItem {
	fav, _ := strconv.ParseBool(rec.Field(fieldFavorite))
	return &VaultItem{
		ID:            rec.ID,
		UserID:        rec.UserID,
		Type:          rec.Field(fieldType),
		Favorite:      fav,
		EncryptedData: rec.Field(fieldEncryptedData),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}
