package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/royalbot/royal-dispatch/pkg/utils"
	"github.com/sirupsen/logrus"
)

// GenericError is any error that knows its own HTTP mapping.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}

func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				var res utils.ResponseData
				res.Status = 500
				res.Code = "INTERNAL_SERVER_ERROR"
				res.Message = fmt.Sprintf("%v", err)

				logrus.Errorf("Panic recovered in middleware: %v", err)

				if known, ok := err.(GenericError); ok {
					res.Status = known.StatusCode()
					res.Code = known.ErrCode()
					res.Message = known.Error()
				}

				_ = ctx.Status(res.Status).JSON(res)
			}
		}()

		return ctx.Next()
	}
}
