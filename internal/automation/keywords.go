package automation

// Keyword lists are tried in order; earlier entries win over later ones.
var (
	siteLoginKeywords = []string{"登录", "登入", "注册", "Sign in", "Sign up", "Log in", "Join"}

	federatedKeywords = []string{
		"使用 Google 登录", "使用 Google 继续", "使用 Google 账号",
		"Sign in with Google", "Continue with Google", "Google 登录", "Google",
	}

	nextKeywords    = []string{"Next", "下一步", "Continue", "继续"}
	consentKeywords = []string{"I understand", "我了解", "Accept", "同意"}
)

var (
	buttonSelectors    = []string{"button", "[role=button]"}
	clickableSelectors = []string{"button", "[role=button]", "a", "input[type=submit]", "input[type=button]"}
	consentSelectors   = []string{"button", "[role=button]", "input[type=submit]"}
)

const (
	emailSelector        = `input[type="email"]`
	passwordSelector     = `input[type="password"]`
	accountEntrySelector = "[data-identifier]"
)

var (
	// SiteLogin finds a generic login or sign-up trigger on a target site.
	SiteLogin = Query{Keywords: siteLoginKeywords, Selectors: clickableSelectors}
	// FederatedLogin finds a "continue with the identity provider" trigger.
	FederatedLogin = Query{Keywords: federatedKeywords, Selectors: clickableSelectors}
	// NextButton finds the control that advances a login form.
	NextButton = Query{Keywords: nextKeywords, Selectors: buttonSelectors}
	// Consent finds acknowledgement buttons shown after a first login.
	Consent = Query{Keywords: consentKeywords, Selectors: consentSelectors}
)
