package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentQuizProgressKey returns the cache key holding the persisted session state of an attempt
func (r *CacheKeyStruct) StudentQuizProgressKey(quizID string, studentID int) string {
	return fmt.Sprintf("student:%d:quiz:%s:progress", studentID, quizID)
}

// StudentQuizLockChannel returns the Redis PubSub channel used to detect duplicate session instances
func (r *CacheKeyStruct) StudentQuizLockChannel(quizID string, studentID int) string {
	return fmt.Sprintf("student:%d:quiz:%s:lock", studentID, quizID)
}

// StudentSessionKey returns the cache key holding the JTI of a student's active token
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("student:%d:session", studentID)
}

// QuizPayloadKey returns the cache key for a quiz's descriptor and questions
func (r *CacheKeyStruct) QuizPayloadKey(quizID string) string {
	return fmt.Sprintf("quiz:%s:payload", quizID)
}

var CacheKey = NewCacheKeyStruct()
