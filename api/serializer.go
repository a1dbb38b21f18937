package api

import (
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

// JSONSerializer encodes echo responses with sonic.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (JSONSerializer) Deserialize(c echo.Context, i any) error {
	return decodeBody(c, i)
}
