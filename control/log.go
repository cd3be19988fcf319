package control

import "go.uber.org/zap"

func errField(err error) zap.Field   { return zap.Error(err) }
func nameField(name string) zap.Field { return zap.String("session", name) }
