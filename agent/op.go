package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"collabnote/internal/notebook"
	"collabnote/internal/presence"
)

// UI actions.
const (
	actionInsert   = "insert"
	actionUpdate   = "update"
	actionMetadata = "metadata"
	actionDelete   = "delete"
	actionReorder  = "reorder"
	actionTitle    = "title"
	actionCursor   = "cursor"
	actionFocus    = "focus"
	actionChat     = "chat"
)

var errBadOp = errors.New("agent: invalid op")

// Op is one edit or presence action sent by the local UI. Index is the block
// to insert after, -1 for the top.
type Op struct {
	Action   string             `json:"action" validate:"required,oneof=insert update metadata delete reorder title cursor focus chat"`
	BlockID  string             `json:"blockId,omitempty"`
	Index    int                `json:"index"`
	Type     notebook.BlockType `json:"type,omitempty"`
	Content  *string            `json:"content,omitempty"`
	Title    *string            `json:"title,omitempty"`
	Language *string            `json:"language,omitempty"`
	Metadata *notebook.Metadata `json:"metadata,omitempty"`
	Order    []string           `json:"order,omitempty" validate:"required_if=Action reorder"`
	X        float64            `json:"x"`
	Y        float64            `json:"y"`
	Text     string             `json:"text,omitempty" validate:"required_if=Action chat"`
}

var opValidate = validator.New()

func decodeOp(data []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("%w: %v", errBadOp, err)
	}
	if err := opValidate.Struct(op); err != nil {
		return Op{}, fmt.Errorf("%w: %v", errBadOp, err)
	}
	return op, nil
}

// pagePresence is the part of presence.Channel the UI drives.
type pagePresence interface {
	MoveCursor(x, y float64)
	Focus(blockID string)
	SendChat(text string) (presence.ChatMessage, error)
}

// applyOp routes op to the notebook store or the presence channel.
func applyOp(store *notebook.Store, pres pagePresence, op Op) error {
	switch op.Action {
	case actionCursor:
		pres.MoveCursor(op.X, op.Y)
		return nil
	case actionFocus:
		pres.Focus(op.BlockID)
		return nil
	case actionChat:
		_, err := pres.SendChat(op.Text)
		return err
	}
	_, err := store.Mutate(op.Action, func(tx *notebook.Tx) error {
		return editOp(tx, op)
	})
	return err
}

func editOp(tx *notebook.Tx, op Op) error {
	switch op.Action {
	case actionInsert:
		typ := op.Type
		if typ == "" {
			typ = notebook.BlockText
		}
		_, err := tx.InsertBlockAfter(op.Index, typ, deref(op.Content), deref(op.Language))
		return err
	case actionUpdate:
		if op.Content != nil {
			if err := tx.UpdateBlockContent(op.BlockID, *op.Content); err != nil {
				return err
			}
		}
		if op.Title != nil {
			if err := tx.UpdateBlockTitle(op.BlockID, *op.Title); err != nil {
				return err
			}
		}
		if op.Language != nil {
			return tx.UpdateBlockLanguage(op.BlockID, *op.Language)
		}
		return nil
	case actionMetadata:
		return tx.UpdateBlockMetadata(op.BlockID, op.Metadata)
	case actionDelete:
		return tx.DeleteBlock(op.BlockID)
	case actionReorder:
		return tx.Reorder(op.Order)
	case actionTitle:
		tx.SetTitle(deref(op.Title))
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", errBadOp, op.Action)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// View messages pushed to the UI.
const (
	viewNotebook = "notebook"
	viewPresence = "presence"
	viewStatus   = "status"
	viewError    = "error"
)

type collaboratorView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Color          string          `json:"color"`
	Cursor         *presence.Point `json:"cursor"`
	FocusedBlockID string          `json:"focusedBlockId,omitempty"`
}

type chatView struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Text   string `json:"text"`
}

type viewMessage struct {
	Type          string              `json:"type"`
	Version       uint64              `json:"version,omitempty"`
	Notebook      *notebook.Notebook  `json:"notebook,omitempty"`
	Conflicts     map[string][]string `json:"conflicts,omitempty"`
	Collaborators []collaboratorView  `json:"collaborators,omitempty"`
	Chat          []chatView          `json:"chat,omitempty"`
	Sync          string              `json:"sync,omitempty"`
	Presence      bool                `json:"presenceConnected,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// notebookView renders doc as of store version, listing the competing
// contents of blocks that were edited concurrently.
func notebookView(doc *notebook.Doc, version uint64) viewMessage {
	nb := doc.Notebook()
	var conflicts map[string][]string
	for _, b := range nb.Blocks {
		if vals := doc.Conflicts(b.ID, notebook.FieldContent); len(vals) > 1 {
			if conflicts == nil {
				conflicts = map[string][]string{}
			}
			conflicts[b.ID] = vals
		}
	}
	return viewMessage{Type: viewNotebook, Version: version, Notebook: &nb, Conflicts: conflicts}
}

func presenceView(ch *presence.Channel) viewMessage {
	msg := viewMessage{Type: viewPresence}
	for _, c := range ch.Collaborators() {
		msg.Collaborators = append(msg.Collaborators, collaboratorView{
			ID: c.ID, Name: c.Name, Color: c.Color, Cursor: c.Cursor, FocusedBlockID: c.FocusedBlockID,
		})
	}
	for _, m := range ch.Chat() {
		msg.Chat = append(msg.Chat, chatView{ID: m.ID, UserID: m.UserID, Name: m.Name, Text: m.Text})
	}
	return msg
}

func errorView(err error) viewMessage {
	return viewMessage{Type: viewError, Error: err.Error()}
}
