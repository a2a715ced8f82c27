package dto

type ActionsQuery struct {
	Limit int `query:"limit"`
}

const MaxActionsLimit = 500
