package store

// Conversation is a persistent chat thread owned by a single user.
// UpdatedTs tracks the sent timestamp of the newest message so that
// listings sort by recent activity.
type Conversation struct {
	ID        int64
	UID       string
	UserID    string
	Title     string
	CreatedTs int64
	UpdatedTs int64
}

type FindConversation struct {
	ID     *int64
	UID    *string
	UserID *string

	// Query filters by case-insensitive substring of the title.
	Query *string

	Limit  *int
	Offset *int
}

type UpdateConversation struct {
	ID        int64
	Title     *string
	UpdatedTs *int64
}

type DeleteConversation struct {
	ID int64
}
