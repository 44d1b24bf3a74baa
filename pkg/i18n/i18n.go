// Package i18n translates user-facing error messages to Persian.
package i18n

import "strings"

var translations = map[string]string{
	"invalid request":              "درخواست نامعتبر است",
	"missing authorization token":  "توکن احراز هویت ارسال نشده است",
	"invalid token":                "توکن نامعتبر است",
	"failed to validate user":      "خطا در اعتبارسنجی کاربر",
	"user not found":               "کاربر یافت نشد",
	"unauthorized":                 "دسترسی غیرمجاز",
	"invalid user id":              "شناسه کاربر نامعتبر است",
	"failed to fetch messages":     "خطا در دریافت پیام ها",
	"failed to fetch users":        "خطا در دریافت کاربران",
	"push notifications disabled":  "اعلان ها غیرفعال هستند",
	"failed to save subscription":  "خطا در ثبت اشتراک اعلان",
	"rate limiter error":           "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":          "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":        "خطای داخلی سرور",
	"not found":                    "یافت نشد",
	"username already exists":      "این نام کاربری قبلا ثبت شده است",
	"invalid username or password": "نام کاربری یا رمز عبور اشتباه است",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username must be between 3 and 32 characters":                "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":  "خطا در پردازش رمز عبور",
	"failed to register user:":  "خطا در ثبت نام کاربر",
	"failed to get user id:":    "خطا در دریافت شناسه کاربر",
	"failed to query user:":     "خطا در دریافت اطلاعات کاربر",
	"failed to generate token:": "خطا در تولید توکن",
}

// Translate returns the Persian form of message, or message itself when
// there is none.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
