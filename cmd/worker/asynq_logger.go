package main

import "go.uber.org/zap"

// asynqLogger routes asynq's internal logging through zap.
type asynqLogger struct {
	log *zap.SugaredLogger
}

func (l *asynqLogger) Debug(args ...any) { l.log.Debug(args...) }
func (l *asynqLogger) Info(args ...any)  { l.log.Info(args...) }
func (l *asynqLogger) Warn(args ...any)  { l.log.Warn(args...) }
func (l *asynqLogger) Error(args ...any) { l.log.Error(args...) }
func (l *asynqLogger) Fatal(args ...any) { l.log.Fatal(args...) }
