package common

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChannelSubjectPrefix subjects of this form address a channel by its numeric ID
const ChannelSubjectPrefix = "channels."

// MaxSubjectLength longest subject name accepted
const MaxSubjectLength = 256

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateSubjectName checks a subject name is usable as a registry and relay key
func ValidateSubjectName(subject string) error {
	if len(subject) == 0 {
		return fmt.Errorf("empty subject: %w", ErrInvalidSubject)
	}
	if len(subject) > MaxSubjectLength {
		return fmt.Errorf("subject longer than %d: %w", MaxSubjectLength, ErrInvalidSubject)
	}
	if !subjectPattern.MatchString(subject) {
		return fmt.Errorf("subject '%s' has illegal characters: %w", subject, ErrInvalidSubject)
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return fmt.Errorf("subject '%s' has an empty token: %w", subject, ErrInvalidSubject)
		}
	}
	return nil
}

// ChannelSubject canonical subject key for a channel
func ChannelSubject(channelID int64) string {
	return fmt.Sprintf("%s%d", ChannelSubjectPrefix, channelID)
}

// ParseChannelSubject extract the channel ID from a canonical channel subject
func ParseChannelSubject(subject string) (int64, bool) {
	if !strings.HasPrefix(subject, ChannelSubjectPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(subject, ChannelSubjectPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ResolveSubject pick the subject addressed by a request. A channel ID takes
// precedence over a subject name; when neither is given the fallback is used.
func ResolveSubject(subject, channelID, fallback string) (string, error) {
	if channelID != "" {
		id, err := strconv.ParseInt(channelID, 10, 64)
		if err != nil || id <= 0 {
			return "", fmt.Errorf("channel ID '%s' is not a positive integer: %w", channelID, ErrInvalidSubject)
		}
		return ChannelSubject(id), nil
	}
	if subject == "" {
		subject = fallback
	}
	if err := ValidateSubjectName(subject); err != nil {
		return "", err
	}
	return subject, nil
}
