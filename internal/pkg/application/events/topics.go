package events

import (
	"fmt"
	"regexp"
)

const (
	entityTopicPrefix string = "cim.entity."
	CatchAllTopic     string = entityTopicPrefix + "_CatchAll"

	maxTopicLength int = 249
)

var legalTopicChars = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// EntityTopic returns the topic that events about entities of the compacted type are published to
func EntityTopic(compactType string) string {
	return entityTopicPrefix + compactType
}

// ValidateTopic applies the naming rules of the message bus to a topic name
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic name is empty")
	}

	if topic == "." || topic == ".." {
		return fmt.Errorf("topic name cannot be \".\" or \"..\"")
	}

	if len(topic) > maxTopicLength {
		return fmt.Errorf("topic name %q is longer than %d characters", topic, maxTopicLength)
	}

	if !legalTopicChars.MatchString(topic) {
		return fmt.Errorf("topic name %q contains characters other than ASCII alphanumerics, '.', '_' and '-'", topic)
	}

	return nil
}
