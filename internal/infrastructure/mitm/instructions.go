package mitm

import (
	"runtime"
	"strings"
)

// InstallInstructions returns markdown describing how to trust the root CA
// manually on goos ("" means the running OS). lang is "en" (default) or "zh".
func InstallInstructions(goos, lang string) string {
	if goos == "" {
		goos = runtime.GOOS
	}
	table := instructionsEN
	if strings.HasPrefix(strings.ToLower(lang), "zh") {
		table = instructionsZH
	}
	if text, ok := table[goos]; ok {
		return text
	}
	return table["other"]
}

var instructionsEN = map[string]string{
	"darwin": "## Install the CA certificate on macOS\n\n" +
		"1. Double-click the CA certificate file (ca.crt)\n" +
		"2. Choose the \"login\" keychain in Keychain Access\n" +
		"3. Find the \"" + ProductName + " Local CA\" certificate\n" +
		"4. Double-click it and expand \"Trust\"\n" +
		"5. Set \"When using this certificate\" to \"Always Trust\"\n" +
		"6. Close the window and confirm with your password\n\n" +
		"Or from a terminal:\n```bash\nsudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain ca.crt\n```",
	"windows": "## Install the CA certificate on Windows\n\n" +
		"1. Double-click the CA certificate file (ca.crt)\n" +
		"2. Click \"Install Certificate\"\n" +
		"3. Choose \"Local Machine\" and click Next\n" +
		"4. Choose \"Place all certificates in the following store\"\n" +
		"5. Browse to \"Trusted Root Certification Authorities\"\n" +
		"6. Click Next, then Finish\n\n" +
		"Or from an elevated prompt:\n```powershell\ncertutil -addstore -f \"ROOT\" ca.crt\n```",
	"linux": "## Install the CA certificate on Linux\n\n" +
		"### Ubuntu/Debian:\n```bash\nsudo cp ca.crt /usr/local/share/ca-certificates/netcapture-ca.crt\nsudo update-ca-certificates\n```\n\n" +
		"### Fedora/RHEL/CentOS:\n```bash\nsudo cp ca.crt /etc/pki/ca-trust/source/anchors/netcapture-ca.crt\nsudo update-ca-trust\n```\n\n" +
		"### Arch Linux:\n```bash\nsudo trust anchor --store ca.crt\n```\n\n" +
		"### Browsers:\nChrome and Firefox may need the certificate imported in their own settings.",
	"other": "Consult your operating system documentation to install the CA certificate.",
}

var instructionsZH = map[string]string{
	"darwin": "## macOS 安装 CA 证书\n\n" +
		"1. 双击打开 CA 证书文件（ca.crt）\n" +
		"2. 在\"钥匙串访问\"中选择\"登录\"钥匙串\n" +
		"3. 找到 \"" + ProductName + " Local CA\" 证书\n" +
		"4. 双击证书，展开\"信任\"选项\n" +
		"5. 将\"使用此证书时\"改为\"始终信任\"\n" +
		"6. 关闭窗口，输入密码确认\n\n" +
		"或使用命令行：\n```bash\nsudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain ca.crt\n```",
	"windows": "## Windows 安装 CA 证书\n\n" +
		"1. 双击打开 CA 证书文件（ca.crt）\n" +
		"2. 点击\"安装证书\"\n" +
		"3. 选择\"本地计算机\"，点击下一步\n" +
		"4. 选择\"将所有证书放入下列存储\"\n" +
		"5. 点击\"浏览\"，选择\"受信任的根证书颁发机构\"\n" +
		"6. 点击下一步，然后完成\n\n" +
		"或使用命令行（管理员权限）：\n```powershell\ncertutil -addstore -f \"ROOT\" ca.crt\n```",
	"linux": "## Linux 安装 CA 证书\n\n" +
		"### Ubuntu/Debian:\n```bash\nsudo cp ca.crt /usr/local/share/ca-certificates/netcapture-ca.crt\nsudo update-ca-certificates\n```\n\n" +
		"### Fedora/RHEL/CentOS:\n```bash\nsudo cp ca.crt /etc/pki/ca-trust/source/anchors/netcapture-ca.crt\nsudo update-ca-trust\n```\n\n" +
		"### Arch Linux:\n```bash\nsudo trust anchor --store ca.crt\n```\n\n" +
		"### 浏览器单独配置:\nChrome/Firefox 可能需要在浏览器设置中单独导入证书",
	"other": "请查阅您操作系统的文档了解如何安装 CA 证书",
}
