// Package event describes the structured events exchanged between clients and
// the chat core. The transport decodes frames into Inbound and encodes
// Outbound values; field names follow the browser client's JSON keys.
package event

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	TypeSignup         = "signup"
	TypeVerifyCode     = "verify_code"
	TypeLogin          = "login"
	TypeResume         = "resume"
	TypeGroupMessage   = "group_message"
	TypePrivateMessage = "private_message"
	TypeBan            = "ban"
	TypeUnban          = "unban"
	TypeAdminUpdate    = "admin-update"
	TypeAdminRemove    = "admin-remove"
	TypeRename         = "rename"
	TypeAddBucks       = "addChatterbucks"
	TypeBuyFromStore   = "buy-from-store"
	TypeAlert          = "alert"
	TypeSwitchedRoom   = "switchedRoom"
)

// Outbound-only event types.
const (
	TypeLoginSuccess       = "login_success"
	TypeRoleInfo           = "role_info"
	TypeError              = "error"
	TypeSuccess            = "success"
	TypePrivateMessageCopy = "private_message_copy"
	TypeBannedUsersList    = "banned_users_list"
	TypeBalanceUpdate      = "balance_update"
	TypeItemsUpdate        = "items_update"
	TypeScreennameUpdate   = "screenname_update"
)

// Inbound is a decoded client event. Which fields are meaningful depends on
// Type; Username is the subject for login/signup and the target for
// moderation events.
type Inbound struct {
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password,omitempty"`
	Code       string `json:"code,omitempty"`
	Token      string `json:"token,omitempty"`
	Room       string `json:"room,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Screenname string `json:"screenname,omitempty"`
	Color      string `json:"color,omitempty"`
	Message    string `json:"message,omitempty"`
	Role       string `json:"role,omitempty"`
	ForWho     string `json:"forwho,omitempty"`
	NewName    string `json:"newname,omitempty"`
	Amount     Amount `json:"amnt,omitempty"`
	Item       string `json:"item,omitempty"`
	Who        string `json:"who,omitempty"`
}

// Amount is a decimal amount as sent by the client, either as a JSON number
// or a string. The text is kept verbatim and validated by the ledger.
type Amount string

func (a Amount) String() string { return string(a) }

func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	if string(b) == "null" {
		*a = ""
		return nil
	}
	*a = Amount(b)
	return nil
}

// ChatMessage is a group message as stored in room history and broadcast.
type ChatMessage struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	Sender     string    `json:"sender"`
	Screenname string    `json:"screenname,omitempty"`
	Color      string    `json:"color,omitempty"`
	Message    string    `json:"message"`
	SentAt     time.Time `json:"sent_at"`
}

// Outbound is an event sent to one session.
type Outbound struct {
	Type              string    `json:"type"`
	Code              string    `json:"code,omitempty"`
	Message           string    `json:"message,omitempty"`
	Username          string    `json:"username,omitempty"`
	Screenname        string    `json:"screenname,omitempty"`
	Role              string    `json:"role,omitempty"`
	Balance           string    `json:"balance,omitempty"`
	Items             []string  `json:"items,omitzero"`
	JoinDate          string    `json:"join_date,omitempty"`
	Token             string    `json:"token,omitempty"`
	ID                string    `json:"id,omitempty"`
	Room              string    `json:"room,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	Recipient         string    `json:"recipient,omitempty"`
	Color             string    `json:"color,omitempty"`
	OriginalSender    string    `json:"original_sender,omitempty"`
	OriginalRecipient string    `json:"original_recipient,omitempty"`
	Delivered         bool      `json:"delivered,omitempty"`
	BannedUsers       []string  `json:"banned_users,omitzero"`
	SentAt            time.Time `json:"sent_at,omitzero"`
}

// Group builds the group_message event for msg.
func Group(msg ChatMessage) Outbound {
	return Outbound{
		Type:       TypeGroupMessage,
		ID:         msg.ID,
		Room:       msg.Room,
		Sender:     msg.Sender,
		Screenname: msg.Screenname,
		Color:      msg.Color,
		Message:    msg.Message,
		SentAt:     msg.SentAt,
	}
}

// Success builds a success event.
func Success(message string) Outbound {
	return Outbound{Type: TypeSuccess, Message: message}
}

// Error builds an error event with a wire code.
func Error(code, message string) Outbound {
	return Outbound{Type: TypeError, Code: code, Message: message}
}

// BannedList builds a banned_users_list event. The list is never nil so the
// client always receives an array.
func BannedList(users []string) Outbound {
	if users == nil {
		users = []string{}
	}
	return Outbound{Type: TypeBannedUsersList, BannedUsers: users}
}
