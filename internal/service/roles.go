package service

import (
	"regexp"

	"skillchat/internal/models"
)

// RoleResolver tags users as human or bot when they join a conversation.
type RoleResolver struct {
	botEmail *regexp.Regexp
}

// NewRoleResolver compiles pattern; an empty pattern only honors User.IsBot.
func NewRoleResolver(pattern string) (*RoleResolver, error) {
	if pattern == "" {
		return &RoleResolver{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RoleResolver{botEmail: re}, nil
}

// Resolve returns the membership role for u.
func (r *RoleResolver) Resolve(u *models.User) models.MemberRole {
	if u == nil {
		return models.RoleHuman
	}
	if u.IsBot {
		return models.RoleBot
	}
	if r != nil && r.botEmail != nil && r.botEmail.MatchString(u.Email) {
		return models.RoleBot
	}
	return models.RoleHuman
}
